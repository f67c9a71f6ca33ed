package broker

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Message is one keyed record handed to a producer backend.
type Message struct {
	ID    string
	Key   string
	Value []byte
}

// Producer is a broker backend. Send blocks until the broker acknowledges the
// record; Enqueue returns once the record is buffered for delivery.
type Producer interface {
	Send(ctx context.Context, msg Message) error
	Enqueue(ctx context.Context, msg Message) error
	// Close shuts the backend down. With drain set it waits, bounded by ctx, until
	// buffered records are delivered; without it, it returns without waiting and
	// whatever the backend has not handed off yet is not reported.
	Close(ctx context.Context, drain bool) error
}

// DeliveryFailureFunc is called for records that failed after Enqueue returned.
type DeliveryFailureFunc func(msg Message, err error)

// ProducerOptions are shared by the backends.
type ProducerOptions struct {
	Logger    *logrus.Logger
	OnFailure DeliveryFailureFunc
}

func (o ProducerOptions) entry(component string) *logrus.Entry {
	logger := o.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", component)
}

func (o ProducerOptions) failed(msg Message, err error) {
	if o.OnFailure != nil {
		o.OnFailure(msg, err)
	}
}
