package client

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/orbitmesh/orbitmesh/internal/rpchub"
)

// encodeArgs and decodeArgs mirror the unexported helpers in internal/rpchub
// (framing is a shared concern, but rpchub's own encodeArgs/decodeArgs are
// package-private) — both sides agree on the wire shape by importing
// rpchub.Envelope directly rather than redefining it.
func encodeArgs(v any) (msgpack.RawMessage, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return msgpack.RawMessage(b), nil
}

func decodeArgs(args msgpack.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	return msgpack.Unmarshal(args, v)
}

func marshalEnvelope(e rpchub.Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func unmarshalEnvelope(data []byte) (rpchub.Envelope, error) {
	var e rpchub.Envelope
	err := msgpack.Unmarshal(data, &e)
	return e, err
}
