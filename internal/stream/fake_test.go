package stream

import (
	"context"
	"sync"
	"time"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeSession struct {
	results chan Result
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		results: make(chan Result),
		errs:    make(chan error),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSession) Results() <-chan Result { return s.results }
func (s *fakeSession) Errors() <-chan error   { return s.errs }

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeRecognizer hands out fake sessions. startErrs is consumed one entry
// per Start call; a nil entry or an empty list means success.
type fakeRecognizer struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	startErrs []error
	starts    int
}

func (r *fakeRecognizer) Start(ctx context.Context, cfg RecognitionConfig) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.starts++
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := newFakeSession()
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *fakeRecognizer) numSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *fakeRecognizer) session(i int) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[i]
}

// factoryOf returns the given recognizers in order, then the last one again.
func factoryOf(recs ...*fakeRecognizer) (RecognizerFactory, func() int) {
	var mu sync.Mutex
	built := 0
	factory := func() (Recognizer, error) {
		mu.Lock()
		defer mu.Unlock()
		i := min(built, len(recs)-1)
		built++
		return recs[i], nil
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return built
	}
	return factory, count
}

type translatorFunc func(ctx context.Context, text, source, target string) (string, error)

func (f translatorFunc) Translate(ctx context.Context, text, source, target string) (string, error) {
	return f(ctx, text, source, target)
}
