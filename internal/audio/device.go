// Package audio captures utterances from a capture device and delivers them
// over the channel with bounded retries.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrPermissionDenied = errors.New("capture device permission denied")
	ErrDeviceBusy       = errors.New("capture device busy")
)

// Format describes 16-bit little endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond is the PCM16 data rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Stream is an open capture producing raw PCM16 frames in the device Format.
type Stream interface {
	io.Reader
	Close() error
}

type Device interface {
	Open(ctx context.Context) (Stream, error)
	Format() Format
}

// CommandDevice captures by running an external recorder that writes raw
// PCM16 to stdout, e.g.
//
//	ffmpeg -f pulse -i default -ac 1 -ar 16000 -f s16le -
type CommandDevice struct {
	Path   string
	Args   []string
	Output Format
}

func (d *CommandDevice) Format() Format {
	if d.Output.SampleRate == 0 {
		return DefaultFormat
	}
	return d.Output
}

// Open starts the capture command. The process is killed when ctx ends, so
// ctx should outlive every recording made from the stream.
func (d *CommandDevice) Open(ctx context.Context) (Stream, error) {
	cmd := exec.CommandContext(ctx, d.Path, d.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture command stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("start %s: %w", d.Path, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("start %s: %w", d.Path, err)
	}

	return &commandStream{cmd: cmd, stdout: stdout}, nil
}

type commandStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

func (s *commandStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *commandStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.stdout.Close()
		if err := s.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.err = err
			}
		}
	})
	return s.err
}

// NoopDevice opens streams that yield no audio until closed.
type NoopDevice struct{}

func (NoopDevice) Format() Format { return DefaultFormat }

func (NoopDevice) Open(ctx context.Context) (Stream, error) {
	return &silentStream{done: make(chan struct{})}, nil
}

type silentStream struct {
	done chan struct{}
	once sync.Once
}

func (s *silentStream) Read(p []byte) (int, error) {
	<-s.done
	return 0, io.EOF
}

func (s *silentStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
