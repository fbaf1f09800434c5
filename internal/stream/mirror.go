package stream

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-livechat/internal/channel"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/npezzotti/go-livechat/internal/types"
)

const defaultCaptionGrace = 1500 * time.Millisecond

type SpeakerState int

const (
	// SpeakerLoading is a placeholder shown before any transcript arrived.
	SpeakerLoading SpeakerState = iota
	SpeakerLive
	// SpeakerEnhancing waits for the finalized message from the server.
	SpeakerEnhancing
)

func (s SpeakerState) String() string {
	switch s {
	case SpeakerLoading:
		return "loading"
	case SpeakerLive:
		return "live"
	case SpeakerEnhancing:
		return "enhancing"
	default:
		return fmt.Sprintf("SpeakerState(%d)", int(s))
	}
}

// Speaker is a snapshot of a remote participant's live caption.
type Speaker struct {
	UserId         int
	Username       string
	State          SpeakerState
	Final          string
	Interim        string
	SourceLanguage string
	Translations   map[string]string
}

func (s Speaker) Text() string {
	return joinNonEmpty(s.Final, s.Interim)
}

type speaker struct {
	Speaker
	seq       uint64
	requested map[string]string
	applied   map[string]uint64
	clear     *time.Timer
}

func (sp *speaker) snapshot() Speaker {
	out := sp.Speaker
	out.Translations = make(map[string]string, len(sp.Translations))
	for k, v := range sp.Translations {
		out.Translations[k] = v
	}
	return out
}

type MirrorOptions struct {
	Grace            time.Duration
	TranslateTimeout time.Duration
}

// Mirror renders the live captions of other participants. Each speaker is
// tracked independently; within a speaker the last event wins.
type Mirror struct {
	translator Translator
	selection  func() types.Selection
	opts       MirrorOptions
	log        *log.Logger
	stats      stats.StatsProvider

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	speakers map[int]*speaker
	seq      uint64
	onUpdate func(Speaker)
	onRemove func(userId int)
}

func NewMirror(translator Translator, selection func() types.Selection, opts MirrorOptions, logger *log.Logger, su stats.StatsProvider) *Mirror {
	if opts.Grace <= 0 {
		opts.Grace = defaultCaptionGrace
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Mirror{
		translator: translator,
		selection:  selection,
		opts:       opts,
		log:        logger,
		stats:      su,
		ctx:        ctx,
		cancel:     cancel,
		speakers:   make(map[int]*speaker),
	}
}

func (m *Mirror) OnUpdate(fn func(Speaker)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

func (m *Mirror) OnRemove(fn func(userId int)) {
	m.mu.Lock()
	m.onRemove = fn
	m.mu.Unlock()
}

// getLocked returns the speaker for userId, creating a placeholder if it is
// not tracked yet.
func (m *Mirror) getLocked(userId int, username string) *speaker {
	sp, ok := m.speakers[userId]
	if !ok {
		m.seq++
		sp = &speaker{seq: m.seq}
		m.speakers[userId] = sp
		m.stats.Incr(stats.NumActiveSpeakers)
	}
	if username != "" {
		sp.Username = username
	}
	sp.UserId = userId
	return sp
}

// Start shows a loading placeholder for the speaker. A speaker already
// tracked starts over.
func (m *Mirror) Start(ev channel.SpeakingStart) {
	m.mu.Lock()
	sp := m.getLocked(ev.UserId, ev.Username)
	if sp.clear != nil {
		sp.clear.Stop()
		sp.clear = nil
	}
	m.seq++
	sp.seq = m.seq
	sp.State = SpeakerLoading
	sp.Final, sp.Interim, sp.SourceLanguage = "", "", ""
	sp.Translations = make(map[string]string)
	sp.requested = make(map[string]string)
	sp.applied = make(map[string]uint64)
	snap := sp.snapshot()
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// Transcript updates the speaker's caption and requests translations of it
// for the viewer's languages.
func (m *Mirror) Transcript(ev channel.Transcript) {
	m.mu.Lock()
	sp := m.getLocked(ev.UserId, ev.Username)
	if sp.State == SpeakerEnhancing {
		m.mu.Unlock()
		return
	}
	if sp.Translations == nil {
		sp.Translations = make(map[string]string)
		sp.requested = make(map[string]string)
		sp.applied = make(map[string]uint64)
	}
	sp.State = SpeakerLive
	sp.Final = ev.Final
	sp.Interim = ev.Interim
	sp.SourceLanguage = ev.SourceLanguage

	text := sp.Text()
	var reqs []translationRequest
	if m.translator != nil && text != "" {
		for _, target := range targets(ev.SourceLanguage, m.selection()) {
			if sp.requested[target] == text {
				continue
			}
			sp.requested[target] = text
			m.seq++
			reqs = append(reqs, translationRequest{target: target, tick: m.seq})
		}
	}
	snap := sp.snapshot()
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	for _, req := range reqs {
		go m.translate(ev.UserId, ev.SourceLanguage, text, req)
	}
}

func (m *Mirror) translate(userId int, source, text string, req translationRequest) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.TranslateTimeout)
	defer cancel()

	m.stats.Incr(stats.NumTranslationRequests)
	out, err := m.translator.Translate(ctx, text, source, req.target)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Printf("translate caption of user %d to %s: %v", userId, req.target, err)
		}
		return
	}

	m.mu.Lock()
	sp, ok := m.speakers[userId]
	if !ok || req.tick < sp.seq || req.tick < sp.applied[req.target] {
		m.mu.Unlock()
		return
	}
	sp.applied[req.target] = req.tick
	sp.Translations[req.target] = out
	snap := sp.snapshot()
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// Stop marks the speaker as enhancing and drops the raw caption text once
// the grace period passed.
func (m *Mirror) Stop(ev channel.SpeakingStop) {
	m.mu.Lock()
	sp, ok := m.speakers[ev.UserId]
	if !ok {
		m.mu.Unlock()
		return
	}
	sp.State = SpeakerEnhancing
	if sp.clear != nil {
		sp.clear.Stop()
	}
	seq := sp.seq
	sp.clear = time.AfterFunc(m.opts.Grace, func() { m.clearRaw(ev.UserId, seq) })
	snap := sp.snapshot()
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

func (m *Mirror) clearRaw(userId int, seq uint64) {
	m.mu.Lock()
	sp, ok := m.speakers[userId]
	if !ok || sp.seq != seq || sp.State != SpeakerEnhancing {
		m.mu.Unlock()
		return
	}
	sp.clear = nil
	sp.Final, sp.Interim = "", ""
	snap := sp.snapshot()
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
}

// Finalize drops the speaker once its finalized message arrived.
func (m *Mirror) Finalize(userId int) {
	m.mu.Lock()
	sp, ok := m.speakers[userId]
	if !ok {
		m.mu.Unlock()
		return
	}
	if sp.clear != nil {
		sp.clear.Stop()
	}
	delete(m.speakers, userId)
	m.stats.Decr(stats.NumActiveSpeakers)
	fn := m.onRemove
	m.mu.Unlock()

	if fn != nil {
		fn(userId)
	}
}

func (m *Mirror) Get(userId int) (Speaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp, ok := m.speakers[userId]
	if !ok {
		return Speaker{}, false
	}
	return sp.snapshot(), true
}

// Speakers returns every tracked speaker ordered by user id.
func (m *Mirror) Speakers() []Speaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Speaker, 0, len(m.speakers))
	for _, sp := range m.speakers {
		out = append(out, sp.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

// Close cancels pending translations and timers and forgets every speaker.
func (m *Mirror) Close() {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sp := range m.speakers {
		if sp.clear != nil {
			sp.clear.Stop()
		}
		delete(m.speakers, id)
		m.stats.Decr(stats.NumActiveSpeakers)
	}
}
