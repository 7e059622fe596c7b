package domain

// ValidationOutcome records the result of validating or delivering one
// event. Index is the event's position in the submitted batch; a batch of N
// events yields exactly N outcomes in index order regardless of the order
// calls completed in.
type ValidationOutcome struct {
	Index int
	Event Event
	Err   *EventError
}

// Valid marks the event at index i as accepted.
func Valid(i int, e Event) ValidationOutcome {
	return ValidationOutcome{Index: i, Event: e}
}

// Invalid marks the event at index i as failed with err.
func Invalid(i int, e Event, err *EventError) ValidationOutcome {
	return ValidationOutcome{Index: i, Event: e, Err: err}
}

// OK reports whether the event was accepted.
func (o ValidationOutcome) OK() bool { return o.Err == nil }
