package chat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "ping", raw: `{"ver":"2","cmd":0}`, want: "ping"},
		{name: "chat", raw: `{"ver":"2","cmd":93101,"bdy":[{"msg":"hi","msgStatusType":"NORMAL"}]}`, want: "chat"},
		{name: "connect ack", raw: `{"ver":"2","cmd":10100,"retCode":0,"bdy":{"sid":"abc"}}`, want: "connect_ack"},
		{name: "unknown cmd", raw: `{"ver":"2","cmd":94008,"bdy":{}}`, want: "unrecognized"},
		{name: "no cmd", raw: `{"ver":"2"}`, want: "unrecognized"},
		{name: "not json", raw: `hello`, want: "unrecognized"},
		{name: "empty", raw: ``, want: "unrecognized"},
		{name: "chat with bad body", raw: `{"cmd":93101,"bdy":"oops"}`, want: "unrecognized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode([]byte(tt.raw))
			if Kind(got) != tt.want {
				t.Errorf("Decode(%q) kind = %s, want %s", tt.raw, Kind(got), tt.want)
			}
		})
	}
}

func TestDecodeChatBatch(t *testing.T) {
	raw := `{"ver":"2","cmd":93101,"bdy":[
		{"msg":"first","msgStatusType":"NORMAL","uid":"u1","profile":"{\"nickname\":\"alice\"}","msgTime":1700000000000},
		{"msg":"secret","msgStatusType":"hidden","uid":"u2"},
		{"msg":"   ","msgStatusType":"NORMAL"},
		{"msg":"  third  ","msgStatusType":"NORMAL","profile":null}
	]}`
	f, ok := Decode([]byte(raw)).(ChatBatch)
	if !ok {
		t.Fatalf("expected ChatBatch")
	}
	if len(f.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(f.Messages))
	}
	first := f.Messages[0]
	if first.Nickname != "alice" || first.UserID != "u1" {
		t.Errorf("first = %+v", first)
	}
	if !first.Time.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("time = %v", first.Time)
	}
	if !f.Messages[1].Hidden {
		t.Errorf("hidden status should decode as hidden")
	}

	vis := f.Visible()
	if len(vis) != 2 {
		t.Fatalf("visible = %d, want 2", len(vis))
	}
	if vis[0].Text != "first" || vis[1].Text != "third" {
		t.Errorf("visible order/trim wrong: %q, %q", vis[0].Text, vis[1].Text)
	}
}

func TestDecodeHiddenStatusIsExact(t *testing.T) {
	raw := `{"cmd":93101,"bdy":[
		{"msg":"removed","msgStatusType":"hidden"},
		{"msg":"shouting","msgStatusType":"HIDDEN"},
		{"msg":"mixed","msgStatusType":"Hidden"}
	]}`
	f, ok := Decode([]byte(raw)).(ChatBatch)
	if !ok {
		t.Fatalf("expected ChatBatch")
	}
	vis := f.Visible()
	if len(vis) != 2 || vis[0].Text != "shouting" || vis[1].Text != "mixed" {
		t.Errorf("visible = %+v, want shouting and mixed", vis)
	}
}

func TestDecodeEmptyChatBody(t *testing.T) {
	f, ok := Decode([]byte(`{"cmd":93101,"bdy":null}`)).(ChatBatch)
	if !ok {
		t.Fatal("expected ChatBatch")
	}
	if len(f.Visible()) != 0 {
		t.Errorf("expected no visible messages")
	}
}

func TestDecodeConnectAck(t *testing.T) {
	ack, ok := Decode([]byte(`{"cmd":10100,"retCode":0,"bdy":{"sid":"sid-1"}}`)).(ConnectAck)
	if !ok || !ack.Accepted() || ack.SessionID != "sid-1" {
		t.Fatalf("ack = %+v ok=%v", ack, ok)
	}
	rej, ok := Decode([]byte(`{"cmd":10100,"retCode":42,"retMsg":"bad token"}`)).(ConnectAck)
	if !ok || rej.Accepted() || rej.RetMsg != "bad token" {
		t.Fatalf("rejected ack = %+v ok=%v", rej, ok)
	}
}

func TestEncodeHandshake(t *testing.T) {
	var got map[string]interface{}
	if err := json.Unmarshal(EncodeHandshake("N1chat", "tok"), &got); err != nil {
		t.Fatal(err)
	}
	if got["ver"] != "2" || got["cmd"] != float64(CmdConnect) || got["svcid"] != "game" || got["cid"] != "N1chat" || got["tid"] != float64(1) {
		t.Errorf("handshake header = %v", got)
	}
	bdy, _ := got["bdy"].(map[string]interface{})
	if bdy == nil {
		t.Fatalf("missing bdy: %v", got)
	}
	if v, present := bdy["uid"]; !present || v != nil {
		t.Errorf("uid should be null, got %v (present=%v)", v, present)
	}
	if bdy["devType"] != float64(2001) || bdy["accTkn"] != "tok" || bdy["auth"] != "READ" {
		t.Errorf("handshake body = %v", bdy)
	}
}

func TestEncodeSendHandshake(t *testing.T) {
	var got struct {
		Bdy struct {
			UID  string `json:"uid"`
			Auth string `json:"auth"`
		} `json:"bdy"`
	}
	if err := json.Unmarshal(EncodeSendHandshake("N1chat", "tok", "hash"), &got); err != nil {
		t.Fatal(err)
	}
	if got.Bdy.UID != "hash" || got.Bdy.Auth != "SEND" {
		t.Errorf("send handshake = %+v", got)
	}
}

func TestEncodeKeepAliveAck(t *testing.T) {
	if got := string(EncodeKeepAliveAck()); got != `{"ver":"2","cmd":10000}` {
		t.Errorf("ack = %s", got)
	}
}

func TestEncodeChatMessage(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	var got struct {
		Cmd   int    `json:"cmd"`
		CID   string `json:"cid"`
		SID   string `json:"sid"`
		Retry bool   `json:"retry"`
		Bdy   struct {
			Msg     string `json:"msg"`
			Extras  string `json:"extras"`
			MsgTime int64  `json:"msgTime"`
		} `json:"bdy"`
	}
	if err := json.Unmarshal(EncodeChatMessage("N1chat", "sid-1", "chan", "안녕", now), &got); err != nil {
		t.Fatal(err)
	}
	if got.Cmd != CmdSendChat || got.CID != "N1chat" || got.SID != "sid-1" || got.Retry {
		t.Errorf("header = %+v", got)
	}
	if got.Bdy.Msg != "안녕" || got.Bdy.MsgTime != 1700000000123 {
		t.Errorf("body = %+v", got.Bdy)
	}
	var extras map[string]interface{}
	if err := json.Unmarshal([]byte(got.Bdy.Extras), &extras); err != nil {
		t.Fatalf("extras not json: %v", err)
	}
	if extras["streamingChannelId"] != "chan" {
		t.Errorf("extras = %v", extras)
	}
}
