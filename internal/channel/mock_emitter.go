package channel

import (
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"
)

type MockEmitter struct {
	mock.Mock
}

func (m *MockEmitter) Emit(event Event, payload any, ack AckFunc) error {
	args := m.Called(event, payload, ack)
	return args.Error(0)
}

// Emitted is a recorded outbound frame.
type Emitted struct {
	Event   Event
	Payload any
	Ack     AckFunc
}

// RecordingEmitter records every frame and optionally acknowledges it.
type RecordingEmitter struct {
	mu      sync.Mutex
	frames  []Emitted
	AutoAck bool
	Err     error
}

func (r *RecordingEmitter) Emit(event Event, payload any, ack AckFunc) error {
	r.mu.Lock()
	r.frames = append(r.frames, Emitted{Event: event, Payload: payload, Ack: ack})
	autoAck, err := r.AutoAck, r.Err
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if autoAck && ack != nil {
		go ack(json.RawMessage(`{}`))
	}
	return nil
}

func (r *RecordingEmitter) Frames(event Event) []Emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Emitted
	for _, f := range r.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}
