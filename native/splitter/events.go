package splitter

import (
	"strconv"

	"revsplit/core/events"
	"revsplit/core/types"
)

const (
	// EventTypePaymentReceived is emitted for every accepted deposit,
	// including zero-amount signals.
	EventTypePaymentReceived = "splitter.payment.received"
	// EventTypePaymentReleased is emitted when a withdrawal settles.
	EventTypePaymentReleased = "splitter.payment.released"
	// EventTypeCapReached is emitted at most once, when totalReleased
	// first reaches the repayment cap.
	EventTypeCapReached = "splitter.cap.reached"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

// PaymentReceivedEvent returns the structured payload for an accepted
// deposit. The reference attribute is omitted when empty.
func PaymentReceivedEvent(from string, amount string, reference string, timestamp int64) *types.Event {
	attrs := map[string]string{
		"from":      from,
		"amount":    amount,
		"timestamp": strconv.FormatInt(timestamp, 10),
	}
	if reference != "" {
		attrs["reference"] = reference
	}
	return &types.Event{Type: EventTypePaymentReceived, Attributes: attrs}
}

// PaymentReleasedEvent returns the structured payload for a settled
// withdrawal.
func PaymentReleasedEvent(to string, amount string, timestamp int64) *types.Event {
	return &types.Event{
		Type: EventTypePaymentReleased,
		Attributes: map[string]string{
			"to":        to,
			"amount":    amount,
			"timestamp": strconv.FormatInt(timestamp, 10),
		},
	}
}

// CapReachedEvent returns the one-shot payload recording that the ledger
// released its full repayment cap.
func CapReachedEvent(totalAmount string, timestamp int64) *types.Event {
	return &types.Event{
		Type: EventTypeCapReached,
		Attributes: map[string]string{
			"totalAmount": totalAmount,
			"timestamp":   strconv.FormatInt(timestamp, 10),
		},
	}
}
