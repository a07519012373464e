package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/infodancer/carrier/internal/transport"
)

// SentMessage is one call recorded by MockSender.
type SentMessage struct {
	Host     string
	Envelope transport.Envelope
	Data     []byte
}

// MockSender is a transport.Sender that records every call.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage

	// ShouldError, if true, causes Send to fail after recording the call.
	ShouldError bool
	// ErrorToReturn is the error to return when ShouldError is true.
	ErrorToReturn error
}

// Send records the call.
func (m *MockSender) Send(ctx context.Context, host string, env transport.Envelope, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, len(msg))
	copy(data, msg)
	m.sent = append(m.sent, SentMessage{Host: host, Envelope: env, Data: data})

	if m.ShouldError {
		if m.ErrorToReturn != nil {
			return m.ErrorToReturn
		}
		return errors.New("mock sender error")
	}
	return nil
}

// Sent returns a copy of the recorded calls.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Reset clears recorded calls and error settings.
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.ShouldError = false
	m.ErrorToReturn = nil
}
