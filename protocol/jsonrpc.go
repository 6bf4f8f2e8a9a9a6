// Package protocol defines the JSON-RPC 2.0 message model shared by clients
// and servers: identifiers, the single Message envelope, error payloads and
// the codec used by every transport.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type idKind uint8

const (
	idNone idKind = iota
	idString
	idInt
)

// ID is a request identifier. It is either a string or an integer and is
// comparable, so it can key maps directly. The zero value means "no id".
type ID struct {
	kind idKind
	str  string
	num  int64
}

// StringID returns a string identifier.
func StringID(s string) ID { return ID{kind: idString, str: s} }

// IntID returns an integer identifier.
func IntID(n int64) ID { return ID{kind: idInt, num: n} }

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id.kind == idNone }

// IsString reports whether the id carries a string.
func (id ID) IsString() bool { return id.kind == idString }

// Raw returns the underlying string or int64, or nil for the zero id.
func (id ID) Raw() any {
	switch id.kind {
	case idString:
		return id.str
	case idInt:
		return id.num
	}
	return nil
}

func (id ID) String() string {
	switch id.kind {
	case idString:
		return strconv.Quote(id.str)
	case idInt:
		return strconv.FormatInt(id.num, 10)
	}
	return "<none>"
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idString:
		return json.Marshal(id.str)
	case idInt:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
	return nil, fmt.Errorf("cannot marshal an empty request id")
}

// UnmarshalJSON implements json.Unmarshaler. Null and fractional ids are rejected.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("request id must not be null")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("request id must be a string or an integer, got %s", data)
	}
	*id = IntID(n)
	return nil
}

// Kind classifies a Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "invalid"
}

// Message is the envelope for requests, responses and notifications.
//
// A request has an ID and a Method, a notification has only a Method, and a
// response has an ID with exactly one of Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Kind reports which of the three message shapes m has.
func (m *Message) Kind() Kind {
	switch {
	case m == nil:
		return KindInvalid
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "" && m.ID == nil:
		return KindNotification
	case m.Method == "" && m.ID != nil:
		return KindResponse
	}
	return KindInvalid
}

// Validate checks the structural rules of the envelope.
func (m *Message) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return Malformed("jsonrpc member must be %q, got %q", JSONRPCVersion, m.JSONRPC)
	}
	switch m.Kind() {
	case KindRequest, KindNotification:
		if m.Result != nil || m.Error != nil {
			return Malformed("%s %q must not carry result or error", m.Kind(), m.Method)
		}
	case KindResponse:
		if (m.Result == nil) == (m.Error == nil) {
			return Malformed("response %s must carry exactly one of result or error", m.ID)
		}
	default:
		return Malformed("message has neither method nor id")
	}
	return nil
}

// IDValue returns the message id, or the zero ID.
func (m *Message) IDValue() ID {
	if m == nil || m.ID == nil {
		return ID{}
	}
	return *m.ID
}

// BindParams unmarshals the params into v.
func (m *Message) BindParams(v any) error {
	if len(m.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return InvalidParams("invalid params for %s: %v", m.Method, err)
	}
	return nil
}

// BindResult unmarshals the result into v. An error response is returned
// as its *ErrorPayload.
func (m *Message) BindResult(v any) error {
	if m.Error != nil {
		return m.Error
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("failed to unmarshal result of %s: %w", m.ID, err)
	}
	return nil
}

// wireMessage keeps the raw id so a literal null can be told apart from an
// absent member.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorPayload   `json:"error"`
}

// Encode serializes a message.
func Encode(m *Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = JSONRPCVersion
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses and validates one message. Failures are non-fatal protocol
// errors; the caller decides whether to keep the connection.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &Error{Kind: ErrMalformed, Message: "invalid JSON", Err: err}
	}
	m := &Message{
		JSONRPC: w.JSONRPC,
		Method:  w.Method,
		Params:  w.Params,
		Result:  w.Result,
		Error:   w.Error,
	}
	if len(w.ID) > 0 {
		var id ID
		if err := id.UnmarshalJSON(w.ID); err != nil {
			return nil, &Error{Kind: ErrMalformed, Message: "invalid id", Err: err}
		}
		m.ID = &id
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload (type %T): %w", v, err)
	}
	return data, nil
}

// NewRequest builds a request message.
func NewRequest(id ID, method string, params any) (*Message, error) {
	if id.IsZero() {
		return nil, Malformed("request %q needs an id", method)
	}
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewResult builds a success response. A nil result is sent as {}.
func NewResult(id ID, result any) (*Message, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, payload *ErrorPayload) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: &id, Error: payload}
}
