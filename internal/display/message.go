package display

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects the wire format of stream messages.
type Encoding string

const (
	// EncodingJSON sends text frames.
	EncodingJSON Encoding = "json"

	// EncodingMsgpack sends binary frames.
	EncodingMsgpack Encoding = "msgpack"
)

// ParseEncoding validates s. The empty string selects JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	default:
		return "", fmt.Errorf("display: unknown encoding %q (want json or msgpack)", s)
	}
}

// Message types.
const (
	TypeHello    = "hello"
	TypePoint    = "point"
	TypeSettings = "settings"
)

// Message is the envelope of every stream frame. Exactly one of the payload
// fields is set, matching Type.
type Message struct {
	Type string `json:"type" msgpack:"type"`

	// hello
	SessionID string      `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Model     string      `json:"model,omitempty" msgpack:"model,omitempty"`
	History   []WirePoint `json:"history,omitempty" msgpack:"history,omitempty"`

	// hello and settings
	Settings *Settings `json:"settings,omitempty" msgpack:"settings,omitempty"`

	// point
	Point *WirePoint `json:"point,omitempty" msgpack:"point,omitempty"`
}

// WirePoint is the encoded form of [Point]. NaN frequencies become null.
type WirePoint struct {
	Index       int64    `json:"index" msgpack:"index"`
	TimeSeconds float64  `json:"t" msgpack:"t"`
	FrequencyHz *float64 `json:"hz" msgpack:"hz"`
	Confidence  float64  `json:"confidence" msgpack:"confidence"`
	Voiced      int      `json:"voiced" msgpack:"voiced"`
	LastValidHz *float64 `json:"last_valid_hz" msgpack:"last_valid_hz"`
	Zone        Zone     `json:"zone,omitempty" msgpack:"zone,omitempty"`
}

// Wire converts p to its encoded form.
func (p Point) Wire() WirePoint {
	return WirePoint{
		Index:       p.Index,
		TimeSeconds: p.Time.Seconds(),
		FrequencyHz: finite(p.FrequencyHz),
		Confidence:  p.Confidence,
		Voiced:      p.Voiced,
		LastValidHz: finite(p.LastValidHz),
		Zone:        p.Zone,
	}
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func wireHistory(points []Point) []WirePoint {
	if len(points) == 0 {
		return nil
	}
	out := make([]WirePoint, len(points))
	for i, p := range points {
		out[i] = p.Wire()
	}
	return out
}

// encode marshals m for enc and returns the frame type to send it with.
func encode(enc Encoding, m Message) (websocket.MessageType, []byte, error) {
	switch enc {
	case EncodingMsgpack:
		data, err := msgpack.Marshal(m)
		if err != nil {
			return 0, nil, fmt.Errorf("display: marshal msgpack: %w", err)
		}
		return websocket.MessageBinary, data, nil
	default:
		data, err := json.Marshal(m)
		if err != nil {
			return 0, nil, fmt.Errorf("display: marshal json: %w", err)
		}
		return websocket.MessageText, data, nil
	}
}

// Decode parses a stream frame produced by the hub. Clients written in Go and
// tests use it.
func Decode(typ websocket.MessageType, data []byte) (Message, error) {
	var m Message
	var err error
	if typ == websocket.MessageBinary {
		err = msgpack.Unmarshal(data, &m)
	} else {
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return Message{}, fmt.Errorf("display: decode message: %w", err)
	}
	return m, nil
}
