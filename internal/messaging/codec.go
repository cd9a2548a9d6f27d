package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown message kind")

// Encode renders a message as flat JSON; the envelope's kind field is the
// discriminator Decode switches on.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}
	return json.Marshal(msg)
}

func Decode(data []byte) (Message, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch head.Kind {
	case KindTask:
		msg = &TaskMessage{}
	case KindResult:
		msg = &ResultMessage{}
	case KindEvent:
		msg = &EventMessage{}
	case KindStatus:
		msg = &StatusMessage{}
	case KindError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Kind)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", head.Kind, err)
	}
	return msg, nil
}
