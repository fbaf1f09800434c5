package audio

import (
	"context"
	"io"
	"sync"
)

type fakeStream struct {
	chunks chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case c := <-s.chunks:
		return copy(p, c), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// write hands data to the recorder and waits until it was consumed.
func (s *fakeStream) write(data []byte) {
	s.chunks <- data
	// the empty chunk is only read once data was fully handled
	s.chunks <- nil
}

type fakeDevice struct {
	mu      sync.Mutex
	format  Format
	streams []*fakeStream
	openErr error
}

func (d *fakeDevice) Format() Format {
	if d.format.SampleRate == 0 {
		return DefaultFormat
	}
	return d.format
}

func (d *fakeDevice) Open(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}
	s := &fakeStream{chunks: make(chan []byte), closed: make(chan struct{})}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *fakeDevice) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}
