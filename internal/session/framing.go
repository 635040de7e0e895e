package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/nugget/shelfwatch/internal/config"
)

// decMode decodes binary sensor frames. Maps decode with string keys so
// the message body can be re-encoded as JSON.
var decMode cbor.DecMode

func init() {
	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	var err error
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Errors describing why an inbound frame was dropped.
var (
	errMissingTopic   = errors.New("frame has no topic")
	errMissingMessage = errors.New("frame has no message")
	errEmptyFrame     = errors.New("empty frame")
)

// sensorFrame is the broker's envelope for one sensor reading.
type sensorFrame struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

// validate rejects frames the registry cannot route.
func (f sensorFrame) validate() error {
	if f.Topic == "" {
		return errMissingTopic
	}
	m := bytes.TrimSpace(f.Message)
	if len(m) == 0 || bytes.Equal(m, []byte("null")) {
		return errMissingMessage
	}
	return nil
}

// decoded is the outcome of one inbound frame. At most one of reply,
// frame and disconnect is meaningful; a zero value means ignore.
type decoded struct {
	reply      []byte
	frame      *sensorFrame
	disconnect bool
	// note is logged at debug level for control packets.
	note string
}

// decoder turns websocket frames into actions. Implementations are
// not safe for concurrent use; each connection's read loop owns one.
type decoder interface {
	decode(messageType int, data []byte) (decoded, error)
}

func newDecoder(framing, event string) decoder {
	if framing == config.FramingRaw {
		return rawDecoder{}
	}
	return &socketIODecoder{event: event}
}

// socketIODecoder speaks the Engine.IO v4 / Socket.IO v5 text protocol
// over a websocket-only transport, default namespace.
type socketIODecoder struct {
	event string
}

func (d *socketIODecoder) decode(messageType int, data []byte) (decoded, error) {
	if messageType != websocket.TextMessage {
		return decoded{}, fmt.Errorf("unexpected binary frame (%d bytes)", len(data))
	}
	if len(data) == 0 {
		return decoded{}, errEmptyFrame
	}

	switch data[0] {
	case '0':
		// Engine.IO open: join the default namespace.
		return decoded{reply: []byte("40"), note: "engine open"}, nil
	case '1':
		return decoded{disconnect: true, note: "engine close"}, nil
	case '2':
		// Ping, echoing any payload.
		reply := append([]byte{'3'}, data[1:]...)
		return decoded{reply: reply}, nil
	case '3', '6':
		return decoded{}, nil
	case '4':
		return d.decodePacket(data[1:])
	default:
		return decoded{note: fmt.Sprintf("ignored engine packet %q", data[0])}, nil
	}
}

// decodePacket handles a Socket.IO packet carried in an Engine.IO
// message.
func (d *socketIODecoder) decodePacket(p []byte) (decoded, error) {
	if len(p) == 0 {
		return decoded{}, errEmptyFrame
	}

	typ, body := p[0], p[1:]
	switch typ {
	case '0':
		return decoded{note: "namespace connected"}, nil
	case '1':
		return decoded{disconnect: true, note: "namespace disconnected"}, nil
	case '4':
		return decoded{disconnect: true, note: "namespace connect error: " + string(body)}, nil
	case '2':
		// handled below
	default:
		return decoded{note: fmt.Sprintf("ignored socket.io packet %q", typ)}, nil
	}

	body = stripNamespaceAndAck(body)

	var args []json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil {
		return decoded{}, fmt.Errorf("decode event: %w", err)
	}
	if len(args) == 0 {
		return decoded{}, errors.New("event has no name")
	}

	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return decoded{}, fmt.Errorf("decode event name: %w", err)
	}
	if name != d.event {
		return decoded{note: "ignored event " + name}, nil
	}
	if len(args) < 2 {
		return decoded{}, errMissingMessage
	}

	var f sensorFrame
	if err := json.Unmarshal(args[1], &f); err != nil {
		return decoded{}, fmt.Errorf("decode %s payload: %w", name, err)
	}
	if err := f.validate(); err != nil {
		return decoded{}, err
	}
	return decoded{frame: &f}, nil
}

// stripNamespaceAndAck removes an optional "/nsp," prefix and ack id
// from an event packet body.
func stripNamespaceAndAck(b []byte) []byte {
	if len(b) > 0 && b[0] == '/' {
		if i := bytes.IndexByte(b, ','); i >= 0 {
			b = b[i+1:]
		}
	}
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return b[i:]
}

// rawDecoder accepts bare {topic, message} envelopes: JSON in text
// frames, CBOR in binary frames.
type rawDecoder struct{}

func (rawDecoder) decode(messageType int, data []byte) (decoded, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return decoded{}, errEmptyFrame
	}

	var f sensorFrame
	switch messageType {
	case websocket.TextMessage:
		if err := json.Unmarshal(data, &f); err != nil {
			return decoded{}, fmt.Errorf("decode json frame: %w", err)
		}
	case websocket.BinaryMessage:
		var err error
		f, err = decodeCBORFrame(data)
		if err != nil {
			return decoded{}, err
		}
	default:
		return decoded{}, fmt.Errorf("unexpected frame type %d", messageType)
	}

	if err := f.validate(); err != nil {
		return decoded{}, err
	}
	return decoded{frame: &f}, nil
}

// decodeCBORFrame decodes a binary envelope and transcodes the message
// body to JSON so downstream handlers see one payload format.
func decodeCBORFrame(data []byte) (sensorFrame, error) {
	var env struct {
		Topic   string `cbor:"topic"`
		Message any    `cbor:"message"`
	}
	if err := decMode.Unmarshal(data, &env); err != nil {
		return sensorFrame{}, fmt.Errorf("decode cbor frame: %w", err)
	}
	if env.Message == nil {
		return sensorFrame{Topic: env.Topic}, nil
	}

	body, err := json.Marshal(env.Message)
	if err != nil {
		return sensorFrame{}, fmt.Errorf("transcode cbor message: %w", err)
	}
	return sensorFrame{Topic: env.Topic, Message: body}, nil
}
