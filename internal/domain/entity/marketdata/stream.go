package marketdata

import "time"

// Frame is one raw message received from the exchange stream, before decoding.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// PublishOutcome describes what a publish call achieved.
type PublishOutcome int

const (
	// OutcomeFailed means the message was dropped.
	OutcomeFailed PublishOutcome = iota
	// OutcomeQueued means the message was handed to the producer buffer.
	OutcomeQueued
	// OutcomeAcked means the broker acknowledged the message.
	OutcomeAcked
)

func (o PublishOutcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeAcked:
		return "acked"
	default:
		return "failed"
	}
}
