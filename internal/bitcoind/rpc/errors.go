package rpc

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure. The retry policy matches on it
// instead of inspecting error chains at the call site.
type Kind int

const (
	// KindInvalidURL: a malformed endpoint. Misconfiguration, fatal.
	KindInvalidURL Kind = iota
	// KindUnreachable: the socket could not be reached at all. Also treated
	// as misconfiguration and fatal, to fail fast at startup.
	KindUnreachable
	// KindFraming: the node answered with something that is not HTTP.
	KindFraming
	// KindTransport: any other transport failure (timeout, reset, work
	// queue exceeded...). Tolerated for a while, the node may be busy or
	// restarting.
	KindTransport
	// KindJSON: a (de)serialization failure on an otherwise well-framed
	// response.
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid-url"
	case KindUnreachable:
		return "unreachable"
	case KindFraming:
		return "framing"
	case KindJSON:
		return "json"
	default:
		return "transport"
	}
}

// TransportError is a failure to get a well-formed response out of the
// node. Application-level RPC errors are *btcjson.RPCError instead and are
// never wrapped in a TransportError.
type TransportError struct {
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bitcoind transport (%s): %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrBatchLength is returned when a batch response does not contain exactly
// one response per request. Results are never silently truncated.
var ErrBatchLength = errors.New("bitcoind batch response count mismatch")
