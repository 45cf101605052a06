package escrow

import "fmt"

// Event is a request to move an intent to its next status.
type Event string

const (
	EventAcknowledge       Event = "acknowledge"
	EventFund              Event = "fund"
	EventFail              Event = "fail"
	EventCancel            Event = "cancel"
	EventRequestCompletion Event = "request_completion"
	EventOpenDispute       Event = "open_dispute"
	EventApprove           Event = "approve"
	EventAutoRelease       Event = "auto_release"
	EventResolveRelease    Event = "resolve_release"
	EventResolveRefund     Event = "resolve_refund"
)

type edge struct {
	from  Status
	event Event
}

// transitions is the complete set of legal moves. Anything absent is illegal.
var transitions = map[edge]Status{
	{StatusCreated, EventAcknowledge}: StatusAwaitingCallback,
	{StatusCreated, EventFail}:        StatusFailed,
	{StatusCreated, EventCancel}:      StatusCancelled,

	{StatusAwaitingCallback, EventFund}:   StatusFunded,
	{StatusAwaitingCallback, EventFail}:   StatusFailed,
	{StatusAwaitingCallback, EventCancel}: StatusCancelled,

	{StatusFunded, EventRequestCompletion}: StatusCompletionRequested,
	{StatusFunded, EventOpenDispute}:       StatusDisputed,

	{StatusCompletionRequested, EventOpenDispute}: StatusDisputed,
	{StatusCompletionRequested, EventApprove}:     StatusReleased,
	{StatusCompletionRequested, EventAutoRelease}: StatusReleased,

	{StatusDisputed, EventResolveRelease}: StatusReleased,
	{StatusDisputed, EventResolveRefund}:  StatusRefunded,
}

// Next returns the status event leads to from from.
func Next(from Status, event Event) (Status, error) {
	to, ok := transitions[edge{from, event}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	return to, nil
}

// CanApply reports whether event is legal from from.
func CanApply(from Status, event Event) bool {
	_, ok := transitions[edge{from, event}]
	return ok
}

// IsTerminal returns true for statuses with no outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAwaitingCallback, StatusFunded, StatusCompletionRequested,
		StatusReleased, StatusFailed, StatusCancelled, StatusDisputed, StatusRefunded:
		return true
	}
	return false
}

// liveStatuses are the non-terminal statuses. At most one intent per
// engagement may hold one of these.
var liveStatuses = []Status{
	StatusCreated, StatusAwaitingCallback, StatusFunded, StatusCompletionRequested, StatusDisputed,
}

// pastFunding reports whether s implies the provider already collected funds.
func pastFunding(s Status) bool {
	switch s {
	case StatusFunded, StatusCompletionRequested, StatusDisputed, StatusReleased, StatusRefunded:
		return true
	}
	return false
}
