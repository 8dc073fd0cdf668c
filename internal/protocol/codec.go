package protocol

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec marshals envelopes to datagram payloads and back.
// Implementations must be safe for concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Supported codec format names, as used in configuration.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

type jsonCodec struct{}

// JSON returns the default self-describing codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec. Field names follow the json tags.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor encoder: %w", err)
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor decoder: %w", err)
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// NewCodec returns the codec registered under format.
//
// Precondition: format is FormatJSON or FormatCBOR.
// Postcondition: Returns a usable Codec or a non-nil error.
func NewCodec(format string) (Codec, error) {
	switch format {
	case FormatJSON, "":
		return JSON(), nil
	case FormatCBOR:
		return CBOR()
	default:
		return nil, fmt.Errorf("unknown codec format %q", format)
	}
}

// EncodeMessage validates and marshals a client envelope.
func EncodeMessage(c Codec, m ClientMessage) ([]byte, error) {
	if err := m.Request.Validate(); err != nil {
		return nil, err
	}
	b, err := c.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding client message: %w", err)
	}
	return b, nil
}

// DecodeMessage unmarshals and validates a client envelope.
//
// Postcondition: A nil error guarantees the request tag is known and its
// required fields are present.
func DecodeMessage(c Codec, data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := c.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Request.Validate(); err != nil {
		return ClientMessage{}, err
	}
	return m, nil
}

// EncodeEvent validates and marshals a server event.
func EncodeEvent(c Codec, e ServerEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := c.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding server event: %w", err)
	}
	return b, nil
}

// DecodeEvent unmarshals and validates a server event.
func DecodeEvent(c Codec, data []byte) (ServerEvent, error) {
	var e ServerEvent
	if err := c.Unmarshal(data, &e); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return ServerEvent{}, err
	}
	return e, nil
}
