package frame

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors
var (
	ErrUnknownType = errors.New("unknown frame type")
	ErrMissingType = errors.New("missing frame type")
)

// DecodeError describes an inbound message that could not be parsed.
type DecodeError struct {
	Type Type  // Discriminant, empty if it could not be read
	Err  error // Underlying cause
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is used for fast type extraction.
type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a single inbound message.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}

	var f Frame
	switch env.Type {
	case "":
		return nil, &DecodeError{Err: ErrMissingType}
	case TypeSubscribe:
		f = &Subscribe{}
	case TypePublish:
		f = &Publish{}
	case TypeSuback:
		f = &Suback{}
	case TypeEvent:
		f = &Event{}
	case TypeOnSrc:
		f = &OnSrc{}
	case TypeError:
		f = &Error{}
	default:
		return nil, &DecodeError{Type: env.Type, Err: ErrUnknownType}
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	return f, nil
}

// Encode serializes a frame with its "type" discriminant.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, &DecodeError{Err: ErrMissingType}
	}

	var wire any
	switch v := f.(type) {
	case *Subscribe:
		wire = struct {
			Type Type `json:"type"`
			*Subscribe
		}{TypeSubscribe, v}
	case *Publish:
		wire = struct {
			Type Type `json:"type"`
			*Publish
		}{TypePublish, v}
	case *Suback:
		wire = struct {
			Type Type `json:"type"`
			*Suback
		}{TypeSuback, v}
	case *Event:
		wire = struct {
			Type Type `json:"type"`
			*Event
		}{TypeEvent, v}
	case *OnSrc:
		wire = struct {
			Type Type `json:"type"`
			*OnSrc
		}{TypeOnSrc, v}
	case *Error:
		wire = struct {
			Type Type `json:"type"`
			*Error
		}{TypeError, v}
	default:
		return nil, fmt.Errorf("encode %T: %w", f, ErrUnknownType)
	}

	return json.Marshal(wire)
}
