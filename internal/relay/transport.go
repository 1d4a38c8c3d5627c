package relay

//go:generate mockgen -destination=mocks/transport.go -package=mocks github.com/Tyrowin/pester-relay/internal/relay Transport

// Transport is one live client connection as seen by the Router. Adapters
// for different wire protocols implement it; the Router never inspects Kind
// beyond logging and metrics.
type Transport interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// Kind names the wire protocol, e.g. "websocket" or "tcp".
	Kind() string
	// Send queues one encoded event without blocking and reports whether it
	// was accepted by an open connection.
	Send(payload []byte) bool
	// Close begins tearing the connection down. It must not call back into
	// the Router synchronously.
	Close()
}
