// Package corproto implements the registration handshake and task frames
// exchanged between a remote worker and the master. Every registration
// payload is a flat JSON object whose values are strings.
package corproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Keys of the registration payloads.
const (
	KeyClientID        = "clientID"
	KeyDevice          = "device"
	KeyErrorMessage    = "errorMessage"
	KeyProtocolVersion = "protocolVersion"
	KeyExpectedVersion = "expectedVersion"
)

// Message is a decoded registration payload.
type Message map[string]string

func (m Message) ClientID() string {
	return m[KeyClientID]
}

func (m Message) Device() string {
	return m[KeyDevice]
}

func (m Message) ErrorMessage() string {
	return m[KeyErrorMessage]
}

// Accepted reports whether a server response confirmed the registration.
func (m Message) Accepted() bool {
	_, ok := m[KeyClientID]
	return ok
}

// EncodeClientRequest builds the request a worker sends to register itself.
func EncodeClientRequest(clientID, device string) ([]byte, error) {
	return encode("encode client request", Message{
		KeyClientID: clientID,
		KeyDevice:   device,
	})
}

// DecodeClientRequest parses a worker registration request.
func DecodeClientRequest(data []byte) (Message, error) {
	const op = "decode client request"
	m, err := decode(op, data)
	if err != nil {
		return nil, err
	}
	if err := requireKeys(op, m, KeyClientID, KeyDevice); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeServerResponseSuccess confirms a registration under clientID.
func EncodeServerResponseSuccess(clientID string) ([]byte, error) {
	return encode("encode server response", Message{KeyClientID: clientID})
}

// EncodeServerResponseFail rejects a registration with a readable reason.
func EncodeServerResponseFail(errMsg string) ([]byte, error) {
	return encode("encode server response", Message{KeyErrorMessage: errMsg})
}

// DecodeServerResponse parses the master's answer to a registration request.
// Exactly one of clientID and errorMessage must be present.
func DecodeServerResponse(data []byte) (Message, error) {
	const op = "decode server response"
	m, err := decode(op, data)
	if err != nil {
		return nil, err
	}
	_, hasID := m[KeyClientID]
	_, hasErr := m[KeyErrorMessage]
	switch {
	case hasID && hasErr:
		return nil, commErr(op, "both %s and %s present", KeyClientID, KeyErrorMessage)
	case !hasID && !hasErr:
		return nil, commErr(op, "neither %s nor %s present", KeyClientID, KeyErrorMessage)
	}
	return m, nil
}

func encode(op string, m Message) ([]byte, error) {
	for k, v := range m {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return nil, commErr(op, "value of %q is not valid utf-8", k)
		}
	}
	data, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, &CommunicationError{Op: op, Err: err}
	}
	return data, nil
}

// decode accepts only a flat object of string values.
func decode(op string, data []byte) (Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, commErr(op, "empty payload")
	}
	if !utf8.Valid(data) {
		return nil, commErr(op, "payload is not valid utf-8")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &CommunicationError{Op: op, Err: err}
	}
	if raw == nil {
		return nil, commErr(op, "payload is not an object")
	}

	m := make(Message, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, commErr(op, "value of %q is %T, want string", k, v)
		}
		m[k] = s
	}
	return m, nil
}

func requireKeys(op string, m Message, keys ...string) error {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return commErr(op, "missing key %q", k)
		}
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%v", map[string]string(m))
}
