package broker

import "errors"

// Handler outcomes. A handler returning an error wrapping ErrDecode or
// ErrMissingField has its message acknowledged and dropped: malformed data
// never becomes well-formed on redelivery.
var (
	ErrDecode       = errors.New("decode message")
	ErrMissingField = errors.New("missing field")

	// ErrAckDeferred leaves the message pending without scheduling a retry.
	// The handler takes ownership and acknowledges it later through Ack.
	ErrAckDeferred = errors.New("ack deferred")
)

// IsPermanent reports whether err marks a message that must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDecode) || errors.Is(err, ErrMissingField)
}
