// Package chzzkapi contains minimal helpers for the Chzzk HTTP APIs used by the
// chat engine: live-status polling, chat access-token issuance and the
// cookie-authenticated user status lookup needed to post messages.
//
// Every call is a single request with a bounded timeout. Nothing is retried
// here; callers own the retry policy.
package chzzkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/onnwee/chzzk-bot/telemetry"
)

const (
	DefaultAPIURL     = "https://api.chzzk.naver.com"
	DefaultGameAPIURL = "https://comm-api.game.naver.com/nng_main"
	DefaultTimeout    = 5 * time.Second

	// StatusOpen is the live-status value reported while a broadcast is running.
	StatusOpen = "OPEN"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// Cookies carries the NID session cookies of the bot account.
type Cookies struct {
	NidAut string
	NidSes string
}

// Empty reports whether either cookie is missing.
func (c Cookies) Empty() bool { return c.NidAut == "" || c.NidSes == "" }

func (c Cookies) header() string { return "NID_AUT=" + c.NidAut + "; NID_SES=" + c.NidSes }

// LiveStatus is the result of one live-status poll. It is never cached.
type LiveStatus struct {
	Live          bool
	Status        string
	ChatChannelID string
	Title         string
}

// AccessCredential authorizes one stream connection to a chat channel.
type AccessCredential struct {
	Token         string
	ExtraToken    string
	ChatChannelID string
}

// UserStatus describes the account behind a cookie pair.
type UserStatus struct {
	LoggedIn   bool
	UserIDHash string
	Nickname   string
}

// Client talks to the Chzzk APIs.
type Client struct {
	APIURL     string
	GameAPIURL string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Cookies, when set, are attached to game API requests. Reading chat
	// does not need them; sending does.
	Cookies Cookies
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) apiURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return DefaultAPIURL
}

func (c *Client) gameURL() string {
	if c.GameAPIURL != "" {
		return c.GameAPIURL
	}
	return DefaultGameAPIURL
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// LiveStatus polls whether channelID is broadcasting. A missing content
// object means not live.
func (c *Client) LiveStatus(ctx context.Context, channelID string) (LiveStatus, error) {
	if channelID == "" {
		return LiveStatus{}, &TransientError{Op: "live-status", Err: errors.New("channel id empty")}
	}
	ctx, span := telemetry.StartSpan(ctx, "chzzkapi", "LiveStatus", telemetry.ChannelIDKey.String(channelID))
	defer span.End()

	endpoint := c.apiURL() + "/polling/v2/channels/" + url.PathEscape(channelID) + "/live-status"
	var body struct {
		Content *struct {
			LiveTitle     string `json:"liveTitle"`
			Status        string `json:"status"`
			ChatChannelID string `json:"chatChannelId"`
		} `json:"content"`
	}
	if err := c.getJSON(ctx, "live-status", endpoint, false, &body); err != nil {
		telemetry.RecordError(span, err)
		return LiveStatus{}, err
	}
	if body.Content == nil {
		return LiveStatus{}, nil
	}
	st := LiveStatus{
		Status:        body.Content.Status,
		ChatChannelID: body.Content.ChatChannelID,
		Title:         body.Content.LiveTitle,
	}
	st.Live = st.Status == StatusOpen
	if st.Live && st.ChatChannelID == "" {
		err := &TransientError{Op: "live-status", Err: errors.New("live without chatChannelId")}
		telemetry.RecordError(span, err)
		return LiveStatus{}, err
	}
	telemetry.SetSpanSuccess(span)
	return st, nil
}

// AccessToken issues a short-lived token for chatChannelID. Cookies are sent
// when configured, which yields a token that may also post messages.
func (c *Client) AccessToken(ctx context.Context, chatChannelID string) (AccessCredential, error) {
	if chatChannelID == "" {
		return AccessCredential{}, &TransientError{Op: "access-token", Err: errors.New("chat channel id empty")}
	}
	ctx, span := telemetry.StartSpan(ctx, "chzzkapi", "AccessToken", telemetry.ChatChannelIDKey.String(chatChannelID))
	defer span.End()

	q := url.Values{}
	q.Set("channelId", chatChannelID)
	q.Set("chatType", "STREAMING")
	endpoint := c.gameURL() + "/v1/chats/access-token?" + q.Encode()
	var body struct {
		Content *struct {
			AccessToken string `json:"accessToken"`
			ExtraToken  string `json:"extraToken"`
		} `json:"content"`
	}
	if err := c.getJSON(ctx, "access-token", endpoint, true, &body); err != nil {
		telemetry.RecordError(span, err)
		return AccessCredential{}, err
	}
	if body.Content == nil || body.Content.AccessToken == "" {
		err := &TransientError{Op: "access-token", Err: errors.New("empty accessToken in response")}
		telemetry.RecordError(span, err)
		return AccessCredential{}, err
	}
	telemetry.SetSpanSuccess(span)
	return AccessCredential{
		Token:         body.Content.AccessToken,
		ExtraToken:    body.Content.ExtraToken,
		ChatChannelID: chatChannelID,
	}, nil
}

// UserStatus resolves the account behind the configured cookies. It returns
// ErrNotLoggedIn when the cookies no longer represent a session.
func (c *Client) UserStatus(ctx context.Context) (UserStatus, error) {
	if c.Cookies.Empty() {
		return UserStatus{}, ErrNoCookies
	}
	ctx, span := telemetry.StartSpan(ctx, "chzzkapi", "UserStatus")
	defer span.End()

	var body struct {
		Content *struct {
			LoggedIn   bool   `json:"loggedIn"`
			UserIDHash string `json:"userIdHash"`
			Nickname   string `json:"nickname"`
		} `json:"content"`
	}
	if err := c.getJSON(ctx, "user-status", c.gameURL()+"/v1/user/getUserStatus", true, &body); err != nil {
		telemetry.RecordError(span, err)
		return UserStatus{}, err
	}
	if body.Content == nil || !body.Content.LoggedIn || body.Content.UserIDHash == "" {
		telemetry.RecordError(span, ErrNotLoggedIn)
		return UserStatus{}, ErrNotLoggedIn
	}
	telemetry.SetSpanSuccess(span)
	return UserStatus{LoggedIn: true, UserIDHash: body.Content.UserIDHash, Nickname: body.Content.Nickname}, nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, withCookies bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if withCookies && !c.Cookies.Empty() {
		req.Header.Set("Cookie", c.Cookies.header())
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s: %s", resp.Status, string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}
