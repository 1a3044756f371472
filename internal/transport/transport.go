// SPDX-License-Identifier: MIT
package transport

// Transport defines a generic interface for sending status snapshots or
// events. Implementations should be thread-safe and must not block the
// caller on slow consumers.
type Transport interface {
	Send(data any) error
	Close() error
}

// Handler answers one inbound message. The result is written back to the
// sender as JSON; nil sends nothing.
type Handler func(msg []byte) any

// Multi fans Send out to several transports. The first error is returned
// after every transport has been tried.
type Multi []Transport

func (m Multi) Send(data any) error {
	var first error
	for _, t := range m {
		if err := t.Send(data); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, t := range m {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Transport = Multi(nil)
