package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-livechat/internal/channel"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/npezzotti/go-livechat/internal/types"
	"golang.org/x/time/rate"
)

const (
	defaultCaptureLimit     = 60 * time.Second
	defaultRestartDelay     = 300 * time.Millisecond
	defaultMaxRestarts      = 3
	defaultInterimInterval  = 250 * time.Millisecond
	defaultTranslateTimeout = 10 * time.Second
)

var (
	ErrNotCapturing    = errors.New("not capturing")
	errSessionEnded    = errors.New("recognition session ended")
	errStartSuperseded = errors.New("capture superseded while starting")
)

type CaptionState int

const (
	CaptionIdle CaptionState = iota
	CaptionCapturing
	CaptionStopped
)

func (s CaptionState) String() string {
	switch s {
	case CaptionIdle:
		return "idle"
	case CaptionCapturing:
		return "capturing"
	case CaptionStopped:
		return "stopped"
	default:
		return fmt.Sprintf("CaptionState(%d)", int(s))
	}
}

// Caption is the local speaker's live caption.
type Caption struct {
	Final   string
	Interim string
	// Translations is keyed by target language.
	Translations map[string]string
}

func (c Caption) Text() string {
	return joinNonEmpty(c.Final, c.Interim)
}

type CaptionerOptions struct {
	ChatroomId int
	UserId     int
	Username   string
	// Language is the speech language handed to the recognizer.
	Language         string
	CaptureLimit     time.Duration
	RestartDelay     time.Duration
	MaxRestarts      int
	InterimInterval  time.Duration
	TranslateTimeout time.Duration
}

type translationRequest struct {
	target string
	tick   uint64
}

// haltedSession is what is left to release after a capture was halted under
// the lock.
type haltedSession struct {
	sess  Session
	done  chan struct{}
	state CaptionState
}

// Captioner runs the local speaker's capture: it feeds recognition results
// into a Transcript, publishes the transcript over the channel and keeps
// translations of it for the viewer's languages.
type Captioner struct {
	opts       CaptionerOptions
	factory    RecognizerFactory
	emitter    channel.Emitter
	translator Translator
	selection  func() types.Selection
	log        *log.Logger
	stats      stats.StatsProvider

	mu           sync.Mutex
	state        CaptionState
	rec          Recognizer
	sess         Session
	cancel       context.CancelFunc
	done         chan struct{}
	epoch        uint64
	restarts     int
	transcript   Transcript
	translations map[string]string
	requested    map[string]string
	applied      map[string]uint64
	tick         uint64
	limiter      *rate.Limiter
	flushPending bool
	flush        *time.Timer
	autoStop     *time.Timer

	onCaption  func(Caption)
	onState    func(CaptionState)
	onAutoStop func(Caption)
}

func NewCaptioner(factory RecognizerFactory, emitter channel.Emitter, translator Translator, selection func() types.Selection, opts CaptionerOptions, logger *log.Logger, su stats.StatsProvider) *Captioner {
	if opts.CaptureLimit <= 0 {
		opts.CaptureLimit = defaultCaptureLimit
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = defaultRestartDelay
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = defaultMaxRestarts
	}
	if opts.InterimInterval <= 0 {
		opts.InterimInterval = defaultInterimInterval
	}
	if opts.TranslateTimeout <= 0 {
		opts.TranslateTimeout = defaultTranslateTimeout
	}
	if selection == nil {
		selection = types.DefaultSelection
	}
	if su == nil {
		su = stats.Nop{}
	}

	return &Captioner{
		opts:       opts,
		factory:    factory,
		emitter:    emitter,
		translator: translator,
		selection:  selection,
		log:        logger,
		stats:      su,
	}
}

// OnCaption registers fn to receive every caption update.
func (c *Captioner) OnCaption(fn func(Caption)) {
	c.mu.Lock()
	c.onCaption = fn
	c.mu.Unlock()
}

func (c *Captioner) OnStateChange(fn func(CaptionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnAutoStop registers fn to receive the caption of a capture stopped by
// the countdown.
func (c *Captioner) OnAutoStop(fn func(Caption)) {
	c.mu.Lock()
	c.onAutoStop = fn
	c.mu.Unlock()
}

func (c *Captioner) State() CaptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Captioner) Caption() Caption {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captionLocked()
}

// Start begins a new capture. A capture already running is aborted and
// reaches Idle before the new one starts.
func (c *Captioner) Start(ctx context.Context) error {
	c.mu.Lock()
	prev := c.haltLocked(CaptionIdle)
	c.resetLocked()
	c.epoch++
	epoch := c.epoch
	rec := c.rec
	c.mu.Unlock()
	c.release(prev)

	if rec == nil {
		var err error
		if rec, err = c.factory(); err != nil {
			return fmt.Errorf("build recognizer: %w", err)
		}
		c.mu.Lock()
		c.rec = rec
		c.mu.Unlock()
	}

	sctx, cancel := context.WithCancel(ctx)
	sess, err := rec.Start(sctx, c.recognitionConfig())
	if err != nil {
		cancel()
		return fmt.Errorf("start recognizer: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		cancel()
		sess.Close()
		return errStartSuperseded
	}
	done := make(chan struct{})
	c.state = CaptionCapturing
	c.sess = sess
	c.cancel = cancel
	c.done = done
	c.limiter = rate.NewLimiter(rate.Every(c.opts.InterimInterval), 1)
	c.autoStop = time.AfterFunc(c.opts.CaptureLimit, func() { c.expire(epoch) })
	onState := c.onState
	c.mu.Unlock()

	if onState != nil {
		onState(CaptionCapturing)
	}
	c.emit(channel.EventSpeakingStart, channel.SpeakingStart{
		ChatroomId: c.opts.ChatroomId,
		UserId:     c.opts.UserId,
		Username:   c.opts.Username,
		Duration:   int(c.opts.CaptureLimit / time.Second),
	})

	go c.run(sctx, epoch, sess, done)
	return nil
}

// Stop ends the capture and returns the caption as it stood.
func (c *Captioner) Stop() (Caption, error) {
	c.mu.Lock()
	if c.state != CaptionCapturing {
		c.mu.Unlock()
		return Caption{}, ErrNotCapturing
	}
	caption := c.captionLocked()
	h := c.haltLocked(CaptionStopped)
	c.resetLocked()
	c.mu.Unlock()

	c.release(h)
	return caption, nil
}

// Close aborts any running capture.
func (c *Captioner) Close() {
	c.mu.Lock()
	h := c.haltLocked(CaptionIdle)
	c.resetLocked()
	c.mu.Unlock()

	c.release(h)
}

func (c *Captioner) expire(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != CaptionCapturing {
		c.mu.Unlock()
		return
	}
	caption := c.captionLocked()
	h := c.haltLocked(CaptionStopped)
	c.resetLocked()
	onAutoStop := c.onAutoStop
	c.mu.Unlock()

	c.log.Printf("capture limit of %s reached, stopping", c.opts.CaptureLimit)
	c.release(h)
	if onAutoStop != nil {
		onAutoStop(caption)
	}
}

// haltLocked detaches a running capture and moves to next. It returns nil
// when nothing was capturing.
func (c *Captioner) haltLocked(next CaptionState) *haltedSession {
	if c.state != CaptionCapturing {
		return nil
	}

	if c.autoStop != nil {
		c.autoStop.Stop()
		c.autoStop = nil
	}
	if c.flush != nil {
		c.flush.Stop()
		c.flush = nil
	}
	c.flushPending = false
	c.cancel()

	h := &haltedSession{sess: c.sess, done: c.done, state: next}
	c.sess, c.cancel, c.done = nil, nil, nil
	c.state = next
	c.epoch++
	return h
}

// release finishes a halt outside the lock: the session is closed, remote
// viewers are told the speaker stopped and the run loop is awaited.
func (c *Captioner) release(h *haltedSession) {
	if h == nil {
		return
	}

	if h.sess != nil {
		h.sess.Close()
	}
	c.emit(channel.EventSpeakingStop, channel.SpeakingStop{
		ChatroomId: c.opts.ChatroomId,
		UserId:     c.opts.UserId,
	})
	<-h.done

	c.mu.Lock()
	onState := c.onState
	c.mu.Unlock()
	if onState != nil {
		onState(h.state)
	}
}

func (c *Captioner) resetLocked() {
	c.transcript.Reset()
	c.translations = make(map[string]string)
	c.requested = make(map[string]string)
	c.applied = make(map[string]uint64)
	c.restarts = 0
}

func (c *Captioner) recognitionConfig() RecognitionConfig {
	return RecognitionConfig{Language: c.opts.Language, Interim: true}
}

func (c *Captioner) run(ctx context.Context, epoch uint64, sess Session, done chan struct{}) {
	defer close(done)

	for {
		err := c.consume(ctx, epoch, sess)
		sess.Close()
		if ctx.Err() != nil {
			return
		}

		c.log.Printf("recognizer failed: %v", err)
		if sess = c.restart(ctx, epoch); sess == nil {
			return
		}
	}
}

func (c *Captioner) consume(ctx context.Context, epoch uint64, sess Session) error {
	results, errs := sess.Results(), sess.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				return errSessionEnded
			}
			c.handleResult(ctx, epoch, r)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return err
		}
	}
}

// restart waits the fixed delay and starts recognition again. Once
// restarting in place has failed MaxRestarts times in a row the recognizer is
// rebuilt from the factory. It returns nil when the capture ended meanwhile.
func (c *Captioner) restart(ctx context.Context, epoch uint64) Session {
	for {
		t := time.NewTimer(c.opts.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return nil
		}
		c.restarts++
		rebuild := c.restarts > c.opts.MaxRestarts
		c.transcript.Rebase()
		rec := c.rec
		c.mu.Unlock()

		if rebuild {
			fresh, err := c.factory()
			if err != nil {
				c.log.Printf("rebuild recognizer: %v", err)
				continue
			}
			c.log.Printf("rebuilt recognizer after %d failed restarts", c.opts.MaxRestarts)
			rec = fresh
			c.mu.Lock()
			c.rec = fresh
			c.restarts = 0
			c.mu.Unlock()
		}

		sess, err := rec.Start(ctx, c.recognitionConfig())
		if err != nil {
			c.log.Printf("restart recognizer: %v", err)
			continue
		}

		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			sess.Close()
			return nil
		}
		c.sess = sess
		c.mu.Unlock()
		return sess
	}
}

func (c *Captioner) handleResult(ctx context.Context, epoch uint64, r Result) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != CaptionCapturing {
		c.mu.Unlock()
		return
	}

	c.restarts = 0
	c.transcript.Apply(r)
	text := c.transcript.Live()
	caption := c.captionLocked()
	publish := c.schedulePublishLocked(epoch)
	reqs := c.translationRequestsLocked(text)
	onCaption := c.onCaption
	c.mu.Unlock()

	if onCaption != nil {
		onCaption(caption)
	}
	if publish != nil {
		c.emit(channel.EventSpeakingTranscript, *publish)
	}
	for _, req := range reqs {
		go c.translate(ctx, epoch, req, text)
	}
}

// schedulePublishLocked rate limits transcript publishes. When the limiter
// refuses, a single trailing publish is scheduled that sends whatever the
// transcript holds at that time.
func (c *Captioner) schedulePublishLocked(epoch uint64) *channel.Transcript {
	if c.flushPending {
		return nil
	}
	if c.limiter.Allow() {
		p := c.transcriptPayloadLocked()
		return &p
	}

	c.flushPending = true
	delay := c.limiter.Reserve().Delay()
	c.flush = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.epoch != epoch || c.state != CaptionCapturing {
			c.mu.Unlock()
			return
		}
		c.flushPending = false
		p := c.transcriptPayloadLocked()
		c.mu.Unlock()

		c.emit(channel.EventSpeakingTranscript, p)
	})
	return nil
}

func (c *Captioner) transcriptPayloadLocked() channel.Transcript {
	return channel.Transcript{
		ChatroomId:     c.opts.ChatroomId,
		UserId:         c.opts.UserId,
		Username:       c.opts.Username,
		Final:          c.transcript.Final(),
		Interim:        c.transcript.Interim(),
		SourceLanguage: c.opts.Language,
	}
}

func (c *Captioner) translationRequestsLocked(text string) []translationRequest {
	if c.translator == nil || text == "" {
		return nil
	}

	var reqs []translationRequest
	for _, target := range targets(c.opts.Language, c.selection()) {
		if c.requested[target] == text {
			continue
		}
		c.requested[target] = text
		c.tick++
		reqs = append(reqs, translationRequest{target: target, tick: c.tick})
	}
	return reqs
}

// translate runs one translation. Its result is applied only if no newer
// request for the same target has been applied already.
func (c *Captioner) translate(ctx context.Context, epoch uint64, req translationRequest, text string) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TranslateTimeout)
	defer cancel()

	c.stats.Incr(stats.NumTranslationRequests)
	out, err := c.translator.Translate(ctx, text, c.opts.Language, req.target)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Printf("translate caption to %s: %v", req.target, err)
		}
		return
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != CaptionCapturing || req.tick < c.applied[req.target] {
		c.mu.Unlock()
		return
	}
	c.applied[req.target] = req.tick
	c.translations[req.target] = out
	caption := c.captionLocked()
	onCaption := c.onCaption
	c.mu.Unlock()

	if onCaption != nil {
		onCaption(caption)
	}
}

func (c *Captioner) captionLocked() Caption {
	tr := make(map[string]string, len(c.translations))
	for k, v := range c.translations {
		tr[k] = v
	}
	return Caption{
		Final:        c.transcript.Final(),
		Interim:      c.transcript.Interim(),
		Translations: tr,
	}
}

func (c *Captioner) emit(event channel.Event, payload any) {
	if err := c.emitter.Emit(event, payload, nil); err != nil {
		c.log.Printf("dropping %s: %v", event, err)
	}
}
