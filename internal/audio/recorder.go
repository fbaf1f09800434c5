package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

const (
	defaultCaptureLimit = 60 * time.Second
	defaultInactivity   = 30 * time.Second
	readChunk           = 4096
)

var (
	ErrNotRecording = errors.New("not recording")
	ErrClosed       = errors.New("recorder closed")
)

type RecorderState string

const (
	RecorderIdle      RecorderState = "idle"
	RecorderRecording RecorderState = "recording"
)

// Recording is one captured utterance.
type Recording struct {
	PCM      []byte
	Format   Format
	Duration time.Duration
	// Truncated is set when capture hit the duration limit.
	Truncated bool
}

type RecorderOptions struct {
	Limit      time.Duration
	Inactivity time.Duration
}

// Recorder owns the capture device and records one utterance at a time.
// Between utterances the device stays open and is released after the
// inactivity timeout.
type Recorder struct {
	device Device
	opts   RecorderOptions
	log    *log.Logger

	mu        sync.Mutex
	state     RecorderState
	stream    Stream
	buf       bytes.Buffer
	truncated bool
	release   *time.Timer
	closed    bool
}

func NewRecorder(device Device, opts RecorderOptions, logger *log.Logger) *Recorder {
	if opts.Limit <= 0 {
		opts.Limit = defaultCaptureLimit
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = defaultInactivity
	}

	return &Recorder{
		device: device,
		opts:   opts,
		log:    logger,
		state:  RecorderIdle,
	}
}

func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DeviceOpen reports whether the capture device is currently held.
func (r *Recorder) DeviceOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

func (r *Recorder) limitBytes() int {
	return int(r.opts.Limit.Seconds() * float64(r.device.Format().BytesPerSecond()))
}

// Start begins recording. Only one recording may run at a time.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.state == RecorderRecording {
		return ErrDeviceBusy
	}
	if r.release != nil {
		r.release.Stop()
		r.release = nil
	}

	if r.stream == nil {
		s, err := r.device.Open(ctx)
		if err != nil {
			return fmt.Errorf("open capture device: %w", err)
		}
		r.stream = s
		go r.pump(s)
	}

	r.buf.Reset()
	r.truncated = false
	r.state = RecorderRecording
	return nil
}

// Stop ends the recording and returns what was captured.
func (r *Recorder) Stop() (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RecorderRecording {
		return Recording{}, ErrNotRecording
	}
	r.state = RecorderIdle

	f := r.device.Format()
	pcm := bytes.Clone(r.buf.Bytes())
	r.buf.Reset()

	if r.stream != nil && !r.closed {
		r.scheduleReleaseLocked()
	}

	return Recording{
		PCM:       pcm,
		Format:    f,
		Duration:  f.Duration(len(pcm)),
		Truncated: r.truncated,
	}, nil
}

// Release discards any recording in progress and closes the device now
// instead of after the inactivity timeout. The recorder stays usable.
func (r *Recorder) Release() error {
	r.mu.Lock()
	s := r.releaseLocked()
	r.mu.Unlock()

	if s != nil {
		r.log.Println("releasing capture device")
		return s.Close()
	}
	return nil
}

// Close releases the device and refuses further recordings.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	s := r.releaseLocked()
	r.mu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}

func (r *Recorder) releaseLocked() Stream {
	r.state = RecorderIdle
	r.buf.Reset()
	if r.release != nil {
		r.release.Stop()
		r.release = nil
	}
	s := r.stream
	r.stream = nil
	return s
}

func (r *Recorder) scheduleReleaseLocked() {
	if r.release != nil {
		r.release.Stop()
	}
	s := r.stream
	r.release = time.AfterFunc(r.opts.Inactivity, func() {
		r.mu.Lock()
		if r.stream != s || r.state == RecorderRecording {
			r.mu.Unlock()
			return
		}
		r.stream = nil
		r.release = nil
		r.mu.Unlock()

		r.log.Printf("releasing capture device after %s idle", r.opts.Inactivity)
		s.Close()
	})
}

// pump drains s for as long as it is open. Audio read while idle is
// discarded so the device never backs up.
func (r *Recorder) pump(s Stream) {
	chunk := make([]byte, readChunk)
	limit := r.limitBytes()

	for {
		n, err := s.Read(chunk)
		if n > 0 {
			r.mu.Lock()
			if r.state == RecorderRecording && r.stream == s {
				room := limit - r.buf.Len()
				if n > room {
					n = max(room, 0)
					r.truncated = true
				}
				r.buf.Write(chunk[:n])
			}
			r.mu.Unlock()
		}
		if err != nil {
			r.mu.Lock()
			current := r.stream == s
			if current {
				r.stream = nil
			}
			r.mu.Unlock()

			if current && !errors.Is(err, io.EOF) {
				r.log.Printf("capture device read: %v", err)
			}
			if current {
				s.Close()
			}
			return
		}
	}
}
