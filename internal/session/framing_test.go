package session

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/nugget/shelfwatch/internal/config"
)

func TestSocketIODecoder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		frame     string
		wantReply string
		wantTopic string
		wantDisc  bool
		wantErr   bool
	}{
		{name: "engine open", frame: `0{"sid":"abc","pingInterval":25000}`, wantReply: "40"},
		{name: "ping", frame: "2", wantReply: "3"},
		{name: "ping with payload", frame: "2hello", wantReply: "3hello"},
		{name: "pong ignored", frame: "3"},
		{name: "namespace connected", frame: `40{"sid":"xyz"}`},
		{name: "engine close", frame: "1", wantDisc: true},
		{name: "namespace disconnect", frame: "41", wantDisc: true},
		{name: "connect error", frame: `44{"message":"denied"}`, wantDisc: true},
		{
			name:      "sensor event",
			frame:     `42["mqtt-message",{"topic":"warehouse/unit/1/sensor/proximity1","message":{"value":20}}]`,
			wantTopic: "warehouse/unit/1/sensor/proximity1",
		},
		{
			name:      "event with namespace and ack id",
			frame:     `42/sensors,7["mqtt-message",{"topic":"t","message":1}]`,
			wantTopic: "t",
		},
		{name: "other event ignored", frame: `42["status",{"ok":true}]`},
		{name: "missing topic", frame: `42["mqtt-message",{"message":{"value":1}}]`, wantErr: true},
		{name: "missing message", frame: `42["mqtt-message",{"topic":"t"}]`, wantErr: true},
		{name: "null message", frame: `42["mqtt-message",{"topic":"t","message":null}]`, wantErr: true},
		{name: "no payload", frame: `42["mqtt-message"]`, wantErr: true},
		{name: "bad json", frame: `42["mqtt-message",`, wantErr: true},
		{name: "empty packet", frame: "4", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dec := newDecoder(config.FramingSocketIO, "mqtt-message")
			d, err := dec.decode(websocket.TextMessage, []byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decode() err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(d.reply) != tt.wantReply {
				t.Errorf("reply = %q, want %q", d.reply, tt.wantReply)
			}
			if d.disconnect != tt.wantDisc {
				t.Errorf("disconnect = %v, want %v", d.disconnect, tt.wantDisc)
			}
			gotTopic := ""
			if d.frame != nil {
				gotTopic = d.frame.Topic
			}
			if gotTopic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", gotTopic, tt.wantTopic)
			}
		})
	}
}

func TestSocketIODecoder_RejectsBinary(t *testing.T) {
	t.Parallel()
	dec := newDecoder(config.FramingSocketIO, "mqtt-message")
	if _, err := dec.decode(websocket.BinaryMessage, []byte{0x01}); err == nil {
		t.Error("expected error for binary frame")
	}
}

func TestSocketIODecoder_PayloadUnchanged(t *testing.T) {
	t.Parallel()
	dec := newDecoder(config.FramingSocketIO, "mqtt-message")
	d, err := dec.decode(websocket.TextMessage,
		[]byte(`42["mqtt-message",{"topic":"t","message":{"value":12.5,"unit":"cm"}}]`))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(d.frame.Message); got != `{"value":12.5,"unit":"cm"}` {
		t.Errorf("payload = %s", got)
	}
}

func TestRawDecoder_JSON(t *testing.T) {
	t.Parallel()
	dec := newDecoder(config.FramingRaw, "")

	d, err := dec.decode(websocket.TextMessage, []byte(`{"topic":"a/b","message":{"value":5}}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.frame == nil || d.frame.Topic != "a/b" || string(d.frame.Message) != `{"value":5}` {
		t.Errorf("frame = %+v", d.frame)
	}

	_, err = dec.decode(websocket.TextMessage, []byte(`{"message":{"value":5}}`))
	if !errors.Is(err, errMissingTopic) {
		t.Errorf("missing topic err = %v", err)
	}
	_, err = dec.decode(websocket.TextMessage, []byte(`{"topic":"a"}`))
	if !errors.Is(err, errMissingMessage) {
		t.Errorf("missing message err = %v", err)
	}
	_, err = dec.decode(websocket.TextMessage, []byte(`  `))
	if !errors.Is(err, errEmptyFrame) {
		t.Errorf("empty frame err = %v", err)
	}
}

func TestRawDecoder_CBOR(t *testing.T) {
	t.Parallel()
	dec := newDecoder(config.FramingRaw, "")

	data, err := cbor.Marshal(map[string]any{
		"topic":   "warehouse/unit/1/sensor/humidity",
		"message": map[string]any{"value": 61.5},
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := dec.decode(websocket.BinaryMessage, data)
	if err != nil {
		t.Fatalf("decode() error: %v", err)
	}
	if d.frame.Topic != "warehouse/unit/1/sensor/humidity" {
		t.Errorf("topic = %q", d.frame.Topic)
	}
	if got := string(d.frame.Message); got != `{"value":61.5}` {
		t.Errorf("payload = %s, want {\"value\":61.5}", got)
	}

	missing, _ := cbor.Marshal(map[string]any{"topic": "t"})
	if _, err := dec.decode(websocket.BinaryMessage, missing); !errors.Is(err, errMissingMessage) {
		t.Errorf("missing message err = %v", err)
	}
	if _, err := dec.decode(websocket.BinaryMessage, []byte{0xff, 0x00}); err == nil {
		t.Error("expected error for invalid CBOR")
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		framing string
		want    string
		wantErr bool
	}{
		{"https://broker.example.com", config.FramingSocketIO, "wss://broker.example.com/socket.io/?EIO=4&transport=websocket", false},
		{"http://localhost:3000/", config.FramingSocketIO, "ws://localhost:3000/socket.io/?EIO=4&transport=websocket", false},
		{"wss://b.example.com/custom/", config.FramingSocketIO, "wss://b.example.com/custom/?EIO=4&transport=websocket", false},
		{"ws://b.example.com/feed", config.FramingRaw, "ws://b.example.com/feed", false},
		{"", config.FramingRaw, "", true},
		{"ftp://b.example.com", config.FramingRaw, "", true},
		{"ws://", config.FramingRaw, "", true},
	}
	for _, tt := range tests {
		got, err := ResolveURL(tt.raw, tt.framing)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveURL(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
