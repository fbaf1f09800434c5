// Package stream turns live speech into captions: a local Captioner drives a
// speech recognizer and publishes interim transcripts, and a Mirror renders
// the transcripts other participants publish.
package stream

import (
	"context"
	"sync"
)

// Result is one recognition result. Results sharing an Index revise the same
// segment until one arrives with IsFinal set.
type Result struct {
	Index   int
	Text    string
	IsFinal bool
}

type RecognitionConfig struct {
	// Language is the BCP-47 tag the speaker talks in, e.g. "en-US".
	Language string
	Interim  bool
}

// Session is an open recognition stream. Results and Errors are closed when
// the session ends. Close is safe to call more than once.
type Session interface {
	Results() <-chan Result
	Errors() <-chan error
	Close() error
}

// Recognizer opens recognition sessions. Calling Start again on the same
// Recognizer restarts it in place.
type Recognizer interface {
	Start(ctx context.Context, cfg RecognitionConfig) (Session, error)
}

// RecognizerFactory builds a fresh Recognizer when restarting in place keeps
// failing.
type RecognizerFactory func() (Recognizer, error)

// NoopRecognizer yields sessions that never produce results.
type NoopRecognizer struct{}

func (NoopRecognizer) Start(ctx context.Context, cfg RecognitionConfig) (Session, error) {
	return newNoopSession(), nil
}

type noopSession struct {
	results chan Result
	errs    chan error
	once    sync.Once
}

func newNoopSession() *noopSession {
	return &noopSession{results: make(chan Result), errs: make(chan error)}
}

func (s *noopSession) Results() <-chan Result { return s.results }
func (s *noopSession) Errors() <-chan error   { return s.errs }

func (s *noopSession) Close() error {
	s.once.Do(func() {
		close(s.results)
		close(s.errs)
	})
	return nil
}
