package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command codes of the chat socket protocol.
const (
	CmdPing       = 0
	CmdConnect    = 100
	CmdSendChat   = 3101
	CmdPong       = 10000
	CmdConnectAck = 10100
	CmdChat       = 93101
)

const (
	protocolVersion = "2"
	serviceID       = "game"
	deviceType      = 2001

	connectTID = 1
	sendTID    = 3

	// AuthRead and AuthSend select the permission requested in the handshake.
	AuthRead = "READ"
	AuthSend = "SEND"

	statusHidden = "hidden"
)

// Message is one chat entry from a batch.
type Message struct {
	Text     string
	Hidden   bool
	UserID   string
	Nickname string
	Time     time.Time
}

// Frame is a decoded inbound frame. The set of implementations is closed:
// KeepAlivePing, ChatBatch, ConnectAck and Unrecognized.
type Frame interface {
	frameKind() string
}

// KeepAlivePing must be answered with EncodeKeepAliveAck.
type KeepAlivePing struct{}

// ChatBatch carries chat entries in wire order.
type ChatBatch struct {
	Messages []Message
}

// ConnectAck answers the handshake. RetCode 0 means accepted.
type ConnectAck struct {
	RetCode   int
	RetMsg    string
	SessionID string
}

// Unrecognized covers unknown commands and undecodable input.
type Unrecognized struct {
	Cmd int
	Err error
}

func (KeepAlivePing) frameKind() string { return "ping" }
func (ChatBatch) frameKind() string     { return "chat" }
func (ConnectAck) frameKind() string    { return "connect_ack" }
func (Unrecognized) frameKind() string  { return "unrecognized" }

// Kind returns the metrics label of f.
func Kind(f Frame) string { return f.frameKind() }

// Visible returns the entries that may be dispatched: not hidden and not
// blank, with surrounding whitespace trimmed. Order is preserved.
func (b ChatBatch) Visible() []Message {
	out := make([]Message, 0, len(b.Messages))
	for _, m := range b.Messages {
		if m.Hidden {
			continue
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		m.Text = text
		out = append(out, m)
	}
	return out
}

// Accepted reports whether the server accepted the handshake.
func (a ConnectAck) Accepted() bool { return a.RetCode == 0 }

type inboundFrame struct {
	Cmd     *int            `json:"cmd"`
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Bdy     json.RawMessage `json:"bdy"`
}

type rawChat struct {
	Msg           string          `json:"msg"`
	MsgStatusType string          `json:"msgStatusType"`
	UID           string          `json:"uid"`
	Profile       json.RawMessage `json:"profile"`
	MsgTime       int64           `json:"msgTime"`
}

// Decode turns one wire message into a Frame. It never fails: anything it
// cannot parse comes back as Unrecognized with Err set.
func Decode(raw []byte) Frame {
	var in inboundFrame
	if err := json.Unmarshal(raw, &in); err != nil {
		return Unrecognized{Cmd: -1, Err: err}
	}
	if in.Cmd == nil {
		return Unrecognized{Cmd: -1, Err: fmt.Errorf("frame without cmd")}
	}
	switch *in.Cmd {
	case CmdPing:
		return KeepAlivePing{}
	case CmdChat:
		var entries []rawChat
		if len(in.Bdy) > 0 && string(in.Bdy) != "null" {
			if err := json.Unmarshal(in.Bdy, &entries); err != nil {
				return Unrecognized{Cmd: CmdChat, Err: fmt.Errorf("chat body: %w", err)}
			}
		}
		batch := ChatBatch{Messages: make([]Message, 0, len(entries))}
		for _, e := range entries {
			batch.Messages = append(batch.Messages, e.message())
		}
		return batch
	case CmdConnectAck:
		ack := ConnectAck{RetCode: in.RetCode, RetMsg: in.RetMsg}
		var bdy struct {
			SID string `json:"sid"`
		}
		if len(in.Bdy) > 0 {
			_ = json.Unmarshal(in.Bdy, &bdy)
		}
		ack.SessionID = bdy.SID
		return ack
	default:
		return Unrecognized{Cmd: *in.Cmd}
	}
}

func (e rawChat) message() Message {
	m := Message{
		Text:   e.Msg,
		Hidden: e.MsgStatusType == statusHidden,
		UserID: e.UID,
	}
	if e.MsgTime > 0 {
		m.Time = time.UnixMilli(e.MsgTime)
	}
	// profile is itself a JSON document encoded as a string.
	if len(e.Profile) > 0 {
		var s string
		if err := json.Unmarshal(e.Profile, &s); err == nil && s != "" {
			var p struct {
				Nickname string `json:"nickname"`
			}
			if json.Unmarshal([]byte(s), &p) == nil {
				m.Nickname = p.Nickname
			}
		}
	}
	return m
}

type handshakeBody struct {
	UID     *string `json:"uid"`
	DevType int     `json:"devType"`
	AccTkn  string  `json:"accTkn"`
	Auth    string  `json:"auth"`
}

type outboundFrame struct {
	Ver   string `json:"ver"`
	Cmd   int    `json:"cmd"`
	SvcID string `json:"svcid,omitempty"`
	CID   string `json:"cid,omitempty"`
	SID   string `json:"sid,omitempty"`
	TID   int    `json:"tid,omitempty"`
	Retry *bool  `json:"retry,omitempty"`
	Bdy   any    `json:"bdy,omitempty"`
}

// EncodeHandshake builds the read-only connect frame.
func EncodeHandshake(chatChannelID, token string) []byte {
	return encodeConnect(chatChannelID, token, AuthRead, "")
}

// EncodeSendHandshake builds the connect frame for a connection that posts
// messages as the user identified by uid.
func EncodeSendHandshake(chatChannelID, token, uid string) []byte {
	return encodeConnect(chatChannelID, token, AuthSend, uid)
}

func encodeConnect(chatChannelID, token, auth, uid string) []byte {
	body := handshakeBody{DevType: deviceType, AccTkn: token, Auth: auth}
	if uid != "" {
		body.UID = &uid
	}
	return mustMarshal(outboundFrame{
		Ver:   protocolVersion,
		Cmd:   CmdConnect,
		SvcID: serviceID,
		CID:   chatChannelID,
		TID:   connectTID,
		Bdy:   body,
	})
}

// EncodeKeepAliveAck builds the pong answering a KeepAlivePing.
func EncodeKeepAliveAck() []byte {
	return mustMarshal(outboundFrame{Ver: protocolVersion, Cmd: CmdPong})
}

type chatExtras struct {
	ChatType           string         `json:"chatType"`
	OSType             string         `json:"osType"`
	StreamingChannelID string         `json:"streamingChannelId"`
	Emojis             map[string]any `json:"emojis"`
}

type chatBody struct {
	Msg         string `json:"msg"`
	MsgTypeCode int    `json:"msgTypeCode"`
	Extras      string `json:"extras"`
	MsgTime     int64  `json:"msgTime"`
}

// EncodeChatMessage builds a chat post for a SEND connection. sid comes from
// the ConnectAck of that connection.
func EncodeChatMessage(chatChannelID, sid, channelID, text string, now time.Time) []byte {
	extras := mustMarshal(chatExtras{
		ChatType:           "STREAMING",
		OSType:             "PC",
		StreamingChannelID: channelID,
		Emojis:             map[string]any{},
	})
	retry := false
	return mustMarshal(outboundFrame{
		Ver:   protocolVersion,
		Cmd:   CmdSendChat,
		SvcID: serviceID,
		CID:   chatChannelID,
		SID:   sid,
		TID:   sendTID,
		Retry: &retry,
		Bdy: chatBody{
			Msg:         text,
			MsgTypeCode: 1,
			Extras:      string(extras),
			MsgTime:     now.UnixMilli(),
		},
	})
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only fixed struct shapes are marshalled here.
		panic("chat: marshal frame: " + err.Error())
	}
	return b
}

func (u Unrecognized) String() string {
	if u.Err != nil {
		return "unrecognized(" + strconv.Itoa(u.Cmd) + "): " + u.Err.Error()
	}
	return "unrecognized(" + strconv.Itoa(u.Cmd) + ")"
}
