// Package messaging provides abstractions for message broker communication.
// It defines the broker-neutral message and connectivity types used by the
// dead-letter publisher.
package messaging

import "time"

// Message represents a message sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message is published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was created.
	Timestamp time.Time
}

// NewMessage builds a message for subject with the given headers.
func NewMessage(subject string, data []byte, opts ...PublishOption) *Message {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Message{
		Subject:   subject,
		Data:      data,
		Metadata:  o.headers,
		Timestamp: time.Now().UTC(),
	}
}

// Connection reports broker connectivity.
type Connection interface {
	IsConnected() bool
}

// PublishOption configures message publishing behavior.
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers map[string]string
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}
