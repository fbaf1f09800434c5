package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/go-livechat/internal/api"
	"github.com/npezzotti/go-livechat/internal/types"
)

const (
	DefaultWindowSize = 6
	DefaultWindowStep = 6
)

var (
	ErrNotFound = errors.New("message not found")
	// ErrStale reports a fetch result that was discarded because a newer
	// load or a selection change superseded it.
	ErrStale = errors.New("stale fetch result discarded")
)

// Fetcher loads rendered messages from the backend.
type Fetcher interface {
	FetchAll(ctx context.Context, p api.FetchParams) ([]types.Message, error)
	FetchOnDemand(ctx context.Context, p api.FetchParams, ids []types.MessageID) ([]types.Message, error)
}

type Options struct {
	ChatroomId  int
	ViewerId    int
	BillingMode string
	WindowSize  int
	WindowStep  int
}

// Store is the ordered message log of one room. All mutation goes through
// its methods; readers get copies.
type Store struct {
	fetcher Fetcher
	log     *log.Logger
	opts    Options

	mu         sync.RWMutex
	messages   []types.Message
	index      map[types.MessageID]int
	window     int
	selection  types.Selection
	generation uint64
	replyTo    types.MessageID

	// arrivals stamps pushed messages so a full load can keep what
	// arrived after it was issued.
	arrivals map[types.MessageID]uint64
	arrived  uint64

	onChange func()
}

func New(fetcher Fetcher, opts Options, logger *log.Logger) *Store {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.WindowStep <= 0 {
		opts.WindowStep = DefaultWindowStep
	}

	return &Store{
		fetcher:   fetcher,
		log:       logger,
		opts:      opts,
		index:     make(map[types.MessageID]int),
		arrivals:  make(map[types.MessageID]uint64),
		window:    opts.WindowSize,
		selection: types.DefaultSelection(),
	}
}

// OnChange registers fn to run after every mutation. fn runs without the
// store lock held.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *Store) ChatroomId() int {
	return s.opts.ChatroomId
}

func (s *Store) Selection() types.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

func (s *Store) params(sel types.Selection) api.FetchParams {
	return api.FetchParams{
		ChatroomId:  s.opts.ChatroomId,
		Selection:   sel,
		ViewerId:    s.opts.ViewerId,
		BillingMode: s.opts.BillingMode,
	}
}

// LoadAll replaces the sequence with a fresh load. The untranslated form is
// fetched first; translations for the visible window follow on demand when
// sel displays any translated language. Join notifications and messages
// pushed after the load was issued are kept when the snapshot lacks them.
func (s *Store) LoadAll(ctx context.Context, sel types.Selection) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	watermark := s.arrived
	s.mu.Unlock()

	msgs, err := s.fetcher.FetchAll(ctx, s.params(sel.Raw()))
	if err != nil {
		return fmt.Errorf("load room %d: %w", s.opts.ChatroomId, err)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Printf("discarding full load for room %d: superseded", s.opts.ChatroomId)
		return ErrStale
	}

	s.rebuildLocked(msgs, watermark)
	s.selection = sel
	if _, ok := s.index[s.replyTo]; !ok {
		s.replyTo = types.NoReply
	}
	ids := s.windowIDsLocked()
	s.mu.Unlock()
	s.changed()

	if sel.IsRaw() || len(ids) == 0 {
		return nil
	}
	return s.loadOnDemand(ctx, gen, sel, sel, ids)
}

// rebuildLocked swaps in a snapshot, then re-appends in arrival order the
// local entries the server cannot know about: join notifications and
// messages pushed after watermark.
func (s *Store) rebuildLocked(snapshot []types.Message, watermark uint64) {
	prev := s.messages
	arrivals := s.arrivals

	s.messages = make([]types.Message, 0, len(snapshot))
	s.index = make(map[types.MessageID]int, len(snapshot))
	s.arrivals = make(map[types.MessageID]uint64)
	for _, m := range snapshot {
		if _, ok := s.index[m.Id]; ok {
			continue
		}
		s.index[m.Id] = len(s.messages)
		s.messages = append(s.messages, m.Clone())
	}

	for _, m := range prev {
		if _, ok := s.index[m.Id]; ok {
			continue
		}
		stamp, pushed := arrivals[m.Id]
		if m.ContentType != types.ContentJoinNotification && (!pushed || stamp <= watermark) {
			continue
		}
		s.index[m.Id] = len(s.messages)
		s.messages = append(s.messages, m)
		if pushed {
			s.arrivals[m.Id] = stamp
		}
	}
}

// LoadOnDemand fetches sel's rendering of ids and merges it into the
// messages already held. Ids no longer held are ignored.
func (s *Store) LoadOnDemand(ctx context.Context, sel types.Selection, ids []types.MessageID) error {
	s.mu.RLock()
	gen, issued := s.generation, s.selection
	s.mu.RUnlock()

	return s.loadOnDemand(ctx, gen, issued, sel, ids)
}

func (s *Store) loadOnDemand(ctx context.Context, gen uint64, issued, sel types.Selection, ids []types.MessageID) error {
	if len(ids) == 0 {
		return nil
	}

	msgs, err := s.fetcher.FetchOnDemand(ctx, s.params(sel), ids)
	if err != nil {
		return fmt.Errorf("load messages on demand for room %d: %w", s.opts.ChatroomId, err)
	}

	s.mu.Lock()
	if s.generation != gen || s.selection != issued {
		s.mu.Unlock()
		s.log.Printf("discarding on-demand load for room %d: superseded", s.opts.ChatroomId)
		return ErrStale
	}

	merged := 0
	for _, fetched := range msgs {
		i, ok := s.index[fetched.Id]
		if !ok {
			continue
		}
		mergeFetched(&s.messages[i], fetched, sel)
		merged++
	}
	s.mu.Unlock()

	if merged > 0 {
		s.changed()
	}
	return nil
}

// mergeFetched applies a windowed fetch to m. Only the displayed language
// keys are written, unless the message was edited since it was loaded, in
// which case its content is replaced together with all translations.
func mergeFetched(m *types.Message, fetched types.Message, sel types.Selection) {
	if fetched.IsRecalled && !m.IsRecalled {
		m.IsRecalled = true
		m.RecallUsername = fetched.RecallUsername
	}

	if fetched.IsEdited && fetched.OriginalText != m.OriginalText {
		m.OriginalText = fetched.OriginalText
		m.Translations = fetched.Clone().Translations
		m.IsEdited = true
		return
	}

	for _, key := range sel.Keys() {
		if key == types.RawLanguage {
			continue
		}
		v, ok := fetched.Translations[key]
		if !ok {
			continue
		}
		if m.Translations == nil {
			m.Translations = make(map[string]string)
		}
		m.Translations[key] = v
	}
}

// RefreshWindow re-requests the visible window for the current selection.
func (s *Store) RefreshWindow(ctx context.Context) error {
	s.mu.RLock()
	sel := s.selection
	ids := s.windowIDsLocked()
	s.mu.RUnlock()

	return s.LoadOnDemand(ctx, sel, ids)
}

// ApplyIncoming appends a pushed message. A message whose id is already held
// is dropped and reported as false.
func (s *Store) ApplyIncoming(m types.Message) bool {
	s.mu.Lock()
	if _, ok := s.index[m.Id]; ok {
		s.mu.Unlock()
		return false
	}
	s.index[m.Id] = len(s.messages)
	s.messages = append(s.messages, m.Clone())
	s.arrived++
	s.arrivals[m.Id] = s.arrived
	s.mu.Unlock()

	s.changed()
	return true
}

// PresenceID is the synthetic id of the join notification for userId.
func PresenceID(chatroomId, userId int) types.MessageID {
	return types.MessageID(fmt.Sprintf("join-%d-%d", chatroomId, userId))
}

// ApplyPresence appends a join notification for another participant.
func (s *Store) ApplyPresence(userId int, username string) bool {
	if userId == s.opts.ViewerId {
		return false
	}

	return s.ApplyIncoming(types.Message{
		Id:           PresenceID(s.opts.ChatroomId, userId),
		ChatroomId:   s.opts.ChatroomId,
		UserId:       userId,
		Username:     username,
		ContentType:  types.ContentJoinNotification,
		OriginalText: username,
		Timestamp:    types.Now(),
	})
}

// ApplyTranslationPatch replaces a held message wholesale. Local editing
// state and a prior recall survive the replacement.
func (s *Store) ApplyTranslationPatch(m types.Message) error {
	s.mu.Lock()
	i, ok := s.index[m.Id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	old := s.messages[i]
	next := m.Clone()
	next.IsEditing = old.IsEditing
	if old.IsRecalled {
		next.IsRecalled = true
		next.RecallUsername = old.RecallUsername
	}
	s.messages[i] = next
	s.mu.Unlock()

	s.changed()
	return nil
}

// ApplyRecall marks id recalled. It reports false when the message was
// already recalled.
func (s *Store) ApplyRecall(id types.MessageID, username string) (bool, error) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}

	m := &s.messages[i]
	if m.IsRecalled {
		s.mu.Unlock()
		return false, nil
	}
	m.IsRecalled = true
	m.RecallUsername = username
	m.IsEditing = false
	if s.replyTo == id {
		s.replyTo = types.NoReply
	}
	s.mu.Unlock()

	s.changed()
	return true, nil
}

// ApplyEdit replaces the content of id. Callers follow up with
// RefreshWindow so dependent reply previews are re-rendered.
func (s *Store) ApplyEdit(id types.MessageID, text string, translations map[string]string) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	m := &s.messages[i]
	m.OriginalText = text
	m.Translations = make(map[string]string, len(translations))
	for k, v := range translations {
		m.Translations[k] = v
	}
	m.IsEdited = true
	m.IsEditing = false
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Store) SetEditing(id types.MessageID, editing bool) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.messages[i].IsEditing = editing
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Store) Get(id types.MessageID) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return types.Message{}, false
	}
	return s.messages[i].Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a copy of the whole retained sequence.
func (s *Store) Messages() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.messages)
}

// Visible returns the last window's worth of messages.
func (s *Store) Visible() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.visibleLocked())
}

// WindowIDs returns the server ids of the visible messages.
func (s *Store) WindowIDs() []types.MessageID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windowIDsLocked()
}

func (s *Store) Window() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window
}

// LoadMore widens the window by one step, capped at the sequence length, and
// requests translations for the widened window.
func (s *Store) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.window >= len(s.messages) {
		s.mu.Unlock()
		return nil
	}
	s.window = min(s.window+s.opts.WindowStep, len(s.messages))
	sel := s.selection
	ids := s.windowIDsLocked()
	s.mu.Unlock()
	s.changed()

	if sel.IsRaw() {
		return nil
	}
	return s.LoadOnDemand(ctx, sel, ids)
}

func (s *Store) visibleLocked() []types.Message {
	start := len(s.messages) - s.window
	if start < 0 {
		start = 0
	}
	return s.messages[start:]
}

func (s *Store) windowIDsLocked() []types.MessageID {
	visible := s.visibleLocked()
	ids := make([]types.MessageID, 0, len(visible))
	for _, m := range visible {
		if m.ContentType == types.ContentJoinNotification {
			continue
		}
		ids = append(ids, m.Id)
	}
	return ids
}

func cloneAll(msgs []types.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
