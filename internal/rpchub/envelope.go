// Package rpchub is the transport terminus for agent connections: a
// persistent bidirectional WebSocket channel framed with ordered,
// msgpack-encoded envelopes. It multiplexes agent->server invocations
// (register, heartbeat, acknowledgeJob, reportResult, reportProgress,
// streamItem) and server->agent calls, including "client-results" calls
// where the server awaits the agent's reply via an outstanding-call table.
package rpchub

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Direction discriminates which side originated an Envelope — the wire
// protocol's wire-frame is a plain, explicit discriminated union rather than
// attribute-driven dispatch.
type Direction string

const (
	DirToServer Direction = "toServer"
	DirToAgent  Direction = "toAgent"
	DirReply    Direction = "reply"
)

// Envelope is the single message shape that crosses the wire in both
// directions: {methodName, args} per the wire-protocol contract, extended
// with a direction discriminator and an optional callback id correlating
// client-results replies to their originating request.
type Envelope struct {
	Method     string          `msgpack:"method"`
	Direction  Direction       `msgpack:"dir"`
	CallbackID string          `msgpack:"cb,omitempty"`
	Args       msgpack.RawMessage `msgpack:"args,omitempty"`
	Error      string          `msgpack:"err,omitempty"`
}

// encodeArgs msgpack-encodes v into an Envelope's Args field.
func encodeArgs(v any) (msgpack.RawMessage, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return msgpack.RawMessage(b), nil
}

// decodeArgs decodes an Envelope's Args field into v.
func decodeArgs(args msgpack.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	return msgpack.Unmarshal(args, v)
}

func marshalEnvelope(e Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := msgpack.Unmarshal(data, &e)
	return e, err
}
