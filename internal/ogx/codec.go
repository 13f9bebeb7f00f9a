package ogx

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode parses one OGx JSON message. Any syntax or shape problem is an
// EncodingError; semantic checks belong to the validators.
func Decode(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, NewEncodingError(CodeDecodeError, "empty payload", nil)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewEncodingError(CodeDecodeError, "malformed OGx message", err)
	}
	return &m, nil
}

// DecodeList parses a JSON array of OGx messages.
func DecodeList(data []byte) ([]Message, error) {
	var ms []Message
	if err := json.Unmarshal(data, &ms); err != nil {
		return nil, NewEncodingError(CodeDecodeError, "malformed OGx message list", err)
	}
	return ms, nil
}

// Encode renders m in the OGx JSON wire format.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, NewEncodingError(CodeEncodeError, "nil message", nil)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, NewEncodingError(CodeEncodeError, fmt.Sprintf("message %q", m.Name), err)
	}
	return b, nil
}
