package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertBody(t *testing.T) {
	a := Alert{Subject: "DB 연결 끊김", Detail: "connection refused", Time: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
	body := a.Body()
	assert.True(t, strings.HasPrefix(body, "[봇 상태 보고]\n시간: 2026-03-01 09:30:00\n내용:\nconnection refused\n"))
	assert.Contains(t, body, "'restart'")

	term := TerminateAlert("메모리 누수 - 종료", "메모리 초과(612MB)")
	assert.Equal(t, "[치명적] 메모리 누수 - 종료 - 종료됨", term.Subject)
	assert.True(t, term.Fatal)
	assert.False(t, PauseAlert("x", "y").Fatal)
}

type recorder struct {
	mu   sync.Mutex
	got  []Alert
	fail error
}

func (r *recorder) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.fail
}

func TestSwitchForwardsToCurrentNotifier(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	sw := NewSwitch(first)
	require.NoError(t, sw.Notify(context.Background(), PauseAlert("a", "d")))
	sw.Set(New(second))
	require.NoError(t, sw.Notify(context.Background(), PauseAlert("b", "d")))
	sw.Set(nil)
	require.NoError(t, sw.Notify(context.Background(), PauseAlert("c", "d")))

	require.Len(t, first.got, 1)
	assert.Equal(t, "a", first.got[0].Subject)
	require.Len(t, second.got, 1)
	assert.Equal(t, "b", second.got[0].Subject)
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: errors.New("boom")}
	m := New(ok, nil, bad)
	require.Len(t, m, 2)

	err := m.Notify(context.Background(), PauseAlert("s", "d"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)

	assert.NoError(t, New().Notify(context.Background(), PauseAlert("s", "d")))
}

func TestNewMailerRequiresSettings(t *testing.T) {
	assert.Nil(t, NewMailer("smtp.naver.com", 465, "", "pw", "ops@example.com"))
	assert.Nil(t, NewMailer("smtp.naver.com", 465, "bot@example.com", "pw", " , "))
	m := NewMailer("smtp.naver.com", 0, "bot@example.com", "pw", "a@example.com, b@example.com")
	require.NotNil(t, m)
	assert.Equal(t, 465, m.Port)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, m.To)
}

func TestMailerMessage(t *testing.T) {
	m := NewMailer("smtp.naver.com", 465, "bot@example.com", "pw", "ops@example.com")
	msg := string(m.Message(Alert{Subject: "DB 연결 끊김", Detail: "line1\nline2", Time: time.Now()}))
	assert.Contains(t, msg, "From: bot@example.com\r\n")
	assert.Contains(t, msg, "To: ops@example.com\r\n")
	assert.Contains(t, msg, "Subject: =?UTF-8?b?")
	assert.Contains(t, msg, "line1\r\nline2")
	assert.NotContains(t, strings.ReplaceAll(msg, "\r\n", ""), "\n")
}

// fakeSMTP accepts one message and records the DATA section.
type fakeSMTP struct {
	ln   net.Listener
	mu   sync.Mutex
	cmds []string
	data string
	done chan struct{}
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) serve() {
	defer close(f.done)
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = io.WriteString(conn, s+"\r\n") }
	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		f.mu.Lock()
		f.cmds = append(f.cmds, line)
		f.mu.Unlock()
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO":
			reply("250-fake")
			reply("250 AUTH PLAIN")
		case "AUTH":
			reply("235 ok")
		case "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			f.mu.Lock()
			f.data = b.String()
			f.mu.Unlock()
			reply("250 queued")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestMailerNotify(t *testing.T) {
	srv := newFakeSMTP(t)
	_, port, _ := net.SplitHostPort(srv.ln.Addr().String())
	m := NewMailer("127.0.0.1", 0, "bot@example.com", "secret", "ops@example.com")
	require.NotNil(t, m)
	var err error
	m.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	err = m.Notify(context.Background(), PauseAlert("DB 연결 끊김", "dial tcp: connection refused"))
	require.NoError(t, err)

	select {
	case <-srv.done:
	case <-time.After(5 * time.Second):
		t.Fatal("smtp session did not finish")
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Contains(t, srv.cmds, "MAIL FROM:<bot@example.com>")
	assert.Contains(t, srv.cmds, "RCPT TO:<ops@example.com>")
	assert.Contains(t, srv.data, "dial tcp: connection refused")
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := ParseWebhookURL("https://discord.com/api/webhooks/123456/abc-DEF")
	require.NoError(t, err)
	assert.Equal(t, "123456", id)
	assert.Equal(t, "abc-DEF", token)

	_, _, err = ParseWebhookURL("https://discord.com/api/channels/1")
	assert.Error(t, err)
}

// rewrite sends every request to target regardless of the requested host.
type rewrite struct{ target *url.URL }

func (rw rewrite) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rw.target.Scheme
	req.URL.Host = rw.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func TestDiscordNotify(t *testing.T) {
	type payload struct {
		Username string `json:"username"`
		Embeds   []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	var (
		mu   sync.Mutex
		path string
		got  payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	target, _ := url.Parse(srv.URL)

	d, err := NewDiscord("https://discord.com/api/webhooks/42/tok", &http.Client{Transport: rewrite{target}})
	require.NoError(t, err)
	require.NoError(t, d.Notify(context.Background(), TerminateAlert("메모리 누수", "612MB")))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(path, "/webhooks/42/tok"), path)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, SubjectPrefix+"[치명적] 메모리 누수 - 종료됨", got.Embeds[0].Title)
	assert.Equal(t, "612MB", got.Embeds[0].Description)
	assert.Equal(t, colorFatal, got.Embeds[0].Color)
}

func TestNilNotifiersAreNoops(t *testing.T) {
	var m *Mailer
	var d *Discord
	assert.NoError(t, m.Notify(context.Background(), PauseAlert("s", "d")))
	assert.NoError(t, d.Notify(context.Background(), PauseAlert("s", "d")))
}

func TestNewDiscordEmpty(t *testing.T) {
	d, err := NewDiscord("", nil)
	assert.NoError(t, err)
	assert.Nil(t, d)
	_, err = NewDiscord("https://example.com/nope", nil)
	assert.Error(t, err)
}
