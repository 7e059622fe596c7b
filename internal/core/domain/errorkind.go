package domain

import "fmt"

// ErrorKind classifies a delivery failure. The classification decides
// whether an event reaches the retry ledger, so consumers branch on
// Retriable and Fatal rather than matching kinds directly.
type ErrorKind string

const (
	// KindTransportError covers requests that produced no usable response:
	// connection failures, timeouts, cancelled contexts.
	KindTransportError ErrorKind = "retriable_transport_error"
	// KindServerError covers 5xx responses and success responses whose
	// body could not be parsed.
	KindServerError ErrorKind = "retriable_server_error"
	// KindSendRejected covers definitive upstream refusals outside the
	// validation path, such as 4xx responses and partial-failure entries.
	KindSendRejected ErrorKind = "send_rejected"
	// KindFieldRejected means the validator refused a known payload field.
	KindFieldRejected ErrorKind = "field_rejected"
	// KindUnclassified means the validator refused the event with a
	// message the taxonomy does not recognize.
	KindUnclassified ErrorKind = "unclassified_invalid_value"
	// KindDecodeFault means a batch response was structurally malformed
	// and per-event reconciliation is impossible.
	KindDecodeFault ErrorKind = "decode_fault"
)

var kindTraits = map[ErrorKind]struct {
	retriable bool
	fatal     bool
}{
	KindTransportError: {retriable: true},
	KindServerError:    {retriable: true},
	KindSendRejected:   {},
	KindFieldRejected:  {},
	KindUnclassified:   {},
	KindDecodeFault:    {fatal: true},
}

// Retriable reports whether a failure of this kind may be resubmitted later.
func (k ErrorKind) Retriable() bool { return kindTraits[k].retriable }

// Fatal reports whether a failure of this kind invalidates the whole batch
// response rather than a single event.
func (k ErrorKind) Fatal() bool { return kindTraits[k].fatal }

// EventError is a per-event delivery failure captured as data. It crosses
// the validator boundary as a value, never as a panic or a returned error.
type EventError struct {
	Kind   ErrorKind
	Field  string // set when Kind is KindFieldRejected
	Detail string
}

func (e *EventError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Retriable reports whether the failed event may be resubmitted later.
func (e *EventError) Retriable() bool { return e.Kind.Retriable() }
