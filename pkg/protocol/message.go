// Package protocol implements the signalling wire format: a
// field-preserving JSON envelope with a fixed type vocabulary. The
// broker never interprets SDP or ICE candidate payloads; it only
// classifies on the envelope's "type" and "id" fields and forwards
// everything else verbatim.
package protocol

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/lumenstream/pixelbroker/pkg/brokererr"
	"github.com/pion/webrtc/v3"
)

// Well-known message types. Unknown types are not rejected by the
// codec; they round-trip like any other message. The role state
// machines log them at debug level and do not forward them.
const (
	TypeConfig               = "config"
	TypeIdentify             = "identify"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeOffer                = "offer"
	TypeAnswer               = "answer"
	TypeICECandidate         = "iceCandidate"
	TypeICECandidateError    = "iceCandidateError"
	TypeDataChannelRequest   = "dataChannelRequest"
	TypePlayerCount          = "playerCount"
	TypePlayerConnected      = "playerConnected"
	TypeListStreamers        = "listStreamers"
	TypeStreamerList         = "streamerList"
	TypeStreamerIDChanged    = "streamerIdChanged"
	TypeStreamerDataChannels = "streamerDataChannels"
	TypeError                = "error"
	TypeDisconnect           = "disconnect"

	TypeSFURecvDataChannelReady  = "sfuRecvDataChannelReady"
	TypeSFUPeerDataChannelsReady = "sfuPeerDataChannelsReady"
	TypeLayerPreference          = "layerPreference"
)

// reservedKeys are the envelope keys the codec manages directly; every
// other key is preserved verbatim in Fields.
var reservedKeys = map[string]struct{}{
	"type": {},
	"id":   {},
}

// Message is a parsed signalling envelope: a mandatory Type, an optional
// routing ID, and an order-insensitive bag of every other field from the
// wire, preserved as raw JSON so a forward re-emits exactly what was
// received.
type Message struct {
	Type   string
	ID     string // empty means absent on the wire
	Fields map[string]json.RawMessage
}

// New creates a bare Message with the given type and an empty field bag.
func New(msgType string) *Message {
	return &Message{Type: msgType, Fields: map[string]json.RawMessage{}}
}

// HasID reports whether the message carried a routing id.
func (m *Message) HasID() bool {
	return m.ID != ""
}

// SetID sets the routing id field, stamping the message with a target
// or source connection's internal identifier.
func (m *Message) SetID(id string) {
	m.ID = id
}

// SetField sets an arbitrary field to a JSON-encodable value, overwriting
// any existing value under that key. Setting type or id through this
// method is a programmer error and is ignored.
func (m *Message) SetField(key string, value interface{}) error {
	if _, reserved := reservedKeys[key]; reserved {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.Fields == nil {
		m.Fields = map[string]json.RawMessage{}
	}
	m.Fields[key] = raw
	return nil
}

// Field decodes the named field into dst. It reports false if the field
// is absent.
func (m *Message) Field(key string, dst interface{}) (bool, error) {
	raw, ok := m.Fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

// StringField returns the named field as a string, or "" if absent or
// not a JSON string.
func (m *Message) StringField(key string) string {
	var s string
	if ok, err := m.Field(key, &s); err != nil || !ok {
		return ""
	}
	return s
}

// Parse decodes a single JSON object from data into a Message. "type" is
// mandatory; its absence, or any invalid JSON, yields a MalformedFrame
// error. "id" is optional; numeric ids are stringified.
func Parse(data []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, brokererr.Wrap(brokererr.CodeMalformedFrame, "invalid JSON frame", err)
	}

	typeRaw, ok := raw["type"]
	if !ok {
		return nil, brokererr.New(brokererr.CodeMalformedFrame, "missing required \"type\" field")
	}
	var msgType string
	if err := json.Unmarshal(typeRaw, &msgType); err != nil {
		return nil, brokererr.Wrap(brokererr.CodeMalformedFrame, "\"type\" field is not a string", err)
	}
	if msgType == "" {
		return nil, brokererr.New(brokererr.CodeMalformedFrame, "\"type\" field is empty")
	}

	msg := &Message{Type: msgType, Fields: make(map[string]json.RawMessage, len(raw))}

	if idRaw, ok := raw["id"]; ok {
		id, err := stringifyID(idRaw)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.CodeMalformedFrame, "\"id\" field is not a string or number", err)
		}
		msg.ID = id
	}

	for k, v := range raw {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		msg.Fields[k] = v
	}

	return msg, nil
}

// stringifyID reads an "id" field as either a JSON string or a JSON
// number, returning its string form either way.
func stringifyID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Marshal serializes m into compact JSON with "type" first, "id" second
// (if present), and every other field following in a stable, sorted
// order. Null-valued fields are omitted.
func (m *Message) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	typeJSON, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"type":`)
	buf.Write(typeJSON)

	if m.ID != "" {
		idJSON, err := json.Marshal(m.ID)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"id":`)
		buf.Write(idJSON)
	}

	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		raw := m.Fields[k]
		if isJSONNull(raw) {
			continue
		}
		compact, err := compactJSON(raw)
		if err != nil {
			return nil, err
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(compact)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// PeerConnectionOptions is the payload of the "config" message's
// peerConnectionOptions field. It reuses pion/webrtc's ICEServer type
// (the broker never parses SDP, but the ICE server list it hands to
// clients is a well-known WebRTC shape, not a free-form bag).
type PeerConnectionOptions struct {
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// NewConfig builds the canonical "config" message.
func NewConfig(opts PeerConnectionOptions) *Message {
	m := New(TypeConfig)
	_ = m.SetField("peerConnectionOptions", opts)
	return m
}

// NewPing builds the canonical "ping" message.
func NewPing() *Message {
	return New(TypePing)
}

// NewPong builds the canonical "pong" message.
func NewPong() *Message {
	return New(TypePong)
}

// NewPlayerCount builds the canonical "playerCount" message.
func NewPlayerCount(count int) *Message {
	m := New(TypePlayerCount)
	_ = m.SetField("count", count)
	return m
}

// NewError builds the canonical "error" message.
func NewError(message string) *Message {
	m := New(TypeError)
	_ = m.SetField("message", message)
	return m
}

// NewStreamerList builds the canonical "streamerList" message.
func NewStreamerList(ids []string) *Message {
	m := New(TypeStreamerList)
	if ids == nil {
		ids = []string{}
	}
	_ = m.SetField("ids", ids)
	return m
}

// NewPlayerConnected builds the canonical "playerConnected" message.
func NewPlayerConnected(playerID string, dataChannel, sfu, sendOffer bool) *Message {
	m := New(TypePlayerConnected)
	_ = m.SetField("playerId", playerID)
	_ = m.SetField("dataChannel", dataChannel)
	_ = m.SetField("sfu", sfu)
	_ = m.SetField("sendOffer", sendOffer)
	return m
}

// NewOffer builds the canonical "offer" message. sdp is carried opaquely.
func NewOffer(sdp string) *Message {
	m := New(TypeOffer)
	_ = m.SetField("sdp", sdp)
	return m
}

// NewAnswer builds the canonical "answer" message. sdp is carried
// opaquely.
func NewAnswer(sdp string) *Message {
	m := New(TypeAnswer)
	_ = m.SetField("sdp", sdp)
	return m
}

// NewICECandidate builds the canonical "iceCandidate" message. candidate
// is carried opaquely; the broker does not parse ICE candidates.
func NewICECandidate(candidate interface{}) *Message {
	m := New(TypeICECandidate)
	_ = m.SetField("candidate", candidate)
	return m
}

// NewStreamerIDChanged builds the canonical "streamerIdChanged" message.
func NewStreamerIDChanged(newID string) *Message {
	m := New(TypeStreamerIDChanged)
	_ = m.SetField("newID", newID)
	return m
}

// NewDisconnect builds the canonical "disconnect" message. reason is
// optional; pass "" to omit it.
func NewDisconnect(reason string) *Message {
	m := New(TypeDisconnect)
	if reason != "" {
		_ = m.SetField("reason", reason)
	}
	return m
}

// IsCritical reports whether a message type must never be dropped by
// the connection primitive's backpressure policy.
func IsCritical(msgType string) bool {
	return msgType == TypeError || msgType == TypeDisconnect
}
