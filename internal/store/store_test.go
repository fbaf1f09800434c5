package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/npezzotti/go-livechat/internal/api"
	"github.com/npezzotti/go-livechat/internal/testutil"
	"github.com/npezzotti/go-livechat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func textMessage(id int, text string) types.Message {
	return types.Message{
		Id:           types.MessageID(fmt.Sprint(id)),
		ChatroomId:   1,
		UserId:       2,
		Username:     "bob",
		ContentType:  types.ContentText,
		OriginalText: text,
	}
}

func messages(n int) []types.Message {
	msgs := make([]types.Message, n)
	for i := range msgs {
		msgs[i] = textMessage(i+1, fmt.Sprintf("message %d", i+1))
	}
	return msgs
}

func ids(msgs []types.Message) []types.MessageID {
	out := make([]types.MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.Id
	}
	return out
}

func newTestStore(t *testing.T, f Fetcher) *Store {
	return New(f, Options{ChatroomId: 1, ViewerId: 2, BillingMode: "free"}, testutil.TestLogger(t))
}

func params(sel types.Selection) api.FetchParams {
	return api.FetchParams{ChatroomId: 1, Selection: sel, ViewerId: 2, BillingMode: "free"}
}

var french = types.Selection{Single: "fr", First: types.RawLanguage, Second: types.RawLanguage}

func TestStore_LoadAllRaw(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	f.On("FetchAll", mock.Anything, params(types.DefaultSelection())).Return(messages(3), nil).Once()

	s := newTestStore(t, f)
	require.NoError(t, s.LoadAll(context.Background(), types.DefaultSelection()))

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, ids(messages(3)), ids(s.Messages()))
	f.AssertNotCalled(t, "FetchOnDemand", mock.Anything, mock.Anything, mock.Anything)
}

func TestStore_LoadAllTranslated(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	all := messages(8)
	window := ids(all[2:])
	translated := []types.Message{textMessage(8, "message 8")}
	translated[0].Translations = map[string]string{"fr": "message huit"}

	f.On("FetchAll", mock.Anything, params(french.Raw())).Return(all, nil).Once()
	f.On("FetchOnDemand", mock.Anything, params(french), window).Return(translated, nil).Once()

	s := newTestStore(t, f)
	require.NoError(t, s.LoadAll(context.Background(), french))

	assert.Equal(t, french, s.Selection())
	m, ok := s.Get("8")
	require.True(t, ok)
	assert.Equal(t, "message huit", m.Translations["fr"])
	assert.Len(t, s.Visible(), DefaultWindowSize)
}

func TestStore_LoadAllFailureKeepsState(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	f.On("FetchAll", mock.Anything, mock.Anything).Return(messages(2), nil).Once()
	f.On("FetchAll", mock.Anything, mock.Anything).Return(nil, errors.New("network down")).Once()

	s := newTestStore(t, f)
	require.NoError(t, s.LoadAll(context.Background(), types.DefaultSelection()))

	err := s.LoadAll(context.Background(), french)
	assert.ErrorContains(t, err, "network down")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, types.DefaultSelection(), s.Selection())
}

func TestStore_ApplyIncomingOrderAndDedupe(t *testing.T) {
	s := newTestStore(t, &MockFetcher{})

	for _, m := range messages(4) {
		assert.True(t, s.ApplyIncoming(m))
	}
	assert.False(t, s.ApplyIncoming(textMessage(2, "duplicate")))

	got := s.Messages()
	assert.Equal(t, ids(messages(4)), ids(got))
	assert.Equal(t, "message 2", got[1].OriginalText)
}

func TestStore_IncomingThenOnDemandPatchesOneKey(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	s := newTestStore(t, f)
	for _, m := range messages(3) {
		s.ApplyIncoming(m)
	}

	pushed := textMessage(42, "hello")
	pushed.Translations = map[string]string{"de": "hallo"}
	require.True(t, s.ApplyIncoming(pushed))

	got := s.Messages()
	require.Len(t, got, 4)
	assert.Equal(t, types.MessageID("42"), got[3].Id)

	fetched := textMessage(42, "hello")
	fetched.Translations = map[string]string{"fr": "bonjour", "es": "hola"}
	f.On("FetchOnDemand", mock.Anything, params(french), []types.MessageID{"42"}).Return([]types.Message{fetched}, nil).Once()

	require.NoError(t, s.LoadOnDemand(context.Background(), french, []types.MessageID{"42"}))

	m, ok := s.Get("42")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"de": "hallo", "fr": "bonjour"}, m.Translations)
	assert.Equal(t, 4, s.Len())
}

func TestStore_LoadOnDemandUnknownId(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	s := newTestStore(t, f)
	for _, m := range messages(2) {
		s.ApplyIncoming(m)
	}
	before := s.Messages()

	ghost := textMessage(99, "ghost")
	ghost.Translations = map[string]string{"fr": "fantome"}
	f.On("FetchOnDemand", mock.Anything, mock.Anything, []types.MessageID{"99"}).Return([]types.Message{ghost}, nil).Once()

	require.NoError(t, s.LoadOnDemand(context.Background(), french, []types.MessageID{"99"}))
	assert.Equal(t, before, s.Messages())
}

func TestStore_LoadOnDemandEditedReplacesContent(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	s := newTestStore(t, f)
	m := textMessage(1, "helo")
	m.Translations = map[string]string{"fr": "salu", "de": "halo"}
	s.ApplyIncoming(m)

	edited := textMessage(1, "hello")
	edited.IsEdited = true
	edited.Translations = map[string]string{"fr": "salut"}
	f.On("FetchOnDemand", mock.Anything, mock.Anything, mock.Anything).Return([]types.Message{edited}, nil).Once()

	require.NoError(t, s.RefreshWindow(context.Background()))

	got, _ := s.Get("1")
	assert.Equal(t, "hello", got.OriginalText)
	assert.True(t, got.IsEdited)
	assert.Equal(t, map[string]string{"fr": "salut"}, got.Translations)
}

func TestStore_LoadOnDemandFailure(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	s := newTestStore(t, f)
	s.ApplyIncoming(textMessage(1, "hi"))
	before := s.Messages()

	f.On("FetchOnDemand", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Once()

	err := s.LoadOnDemand(context.Background(), french, []types.MessageID{"1"})
	assert.ErrorContains(t, err, "timeout")
	assert.Equal(t, before, s.Messages())
}

func TestStore_ApplyRecallIdempotent(t *testing.T) {
	s := newTestStore(t, &MockFetcher{})
	s.ApplyIncoming(textMessage(1, "oops"))

	changed, err := s.ApplyRecall("1", "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	first := s.Messages()

	changed, err = s.ApplyRecall("1", "amy")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first, s.Messages())

	m, _ := s.Get("1")
	assert.True(t, m.IsRecalled)
	assert.Equal(t, "bob", m.RecallUsername)
	_, ok := m.Text(types.RawLanguage)
	assert.False(t, ok)

	_, err = s.ApplyRecall("7", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ApplyTranslationPatch(t *testing.T) {
	s := newTestStore(t, &MockFetcher{})
	s.ApplyIncoming(textMessage(1, "hi"))
	s.ApplyIncoming(textMessage(2, "bye"))
	require.NoError(t, s.SetEditing("1", true))
	_, err := s.ApplyRecall("2", "bob")
	require.NoError(t, err)

	tcases := []struct {
		name         string
		patch        types.Message
		wantErr      error
		wantEditing  bool
		wantRecalled bool
	}{
		{
			name:        "keeps local editing flag",
			patch:       types.Message{Id: "1", OriginalText: "hi", Translations: map[string]string{"fr": "salut"}},
			wantEditing: true,
		},
		{
			name:         "recall is terminal",
			patch:        types.Message{Id: "2", OriginalText: "bye", Translations: map[string]string{"fr": "au revoir"}},
			wantRecalled: true,
		},
		{
			name:    "unknown id",
			patch:   types.Message{Id: "3"},
			wantErr: ErrNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.ApplyTranslationPatch(tc.patch)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, 2, s.Len())
				return
			}
			require.NoError(t, err)

			m, _ := s.Get(tc.patch.Id)
			assert.Equal(t, tc.patch.Translations, m.Translations)
			assert.Equal(t, tc.wantEditing, m.IsEditing)
			assert.Equal(t, tc.wantRecalled, m.IsRecalled)
		})
	}
}

func TestStore_ApplyEdit(t *testing.T) {
	s := newTestStore(t, &MockFetcher{})
	m := textMessage(1, "helo")
	m.Translations = map[string]string{"fr": "salu"}
	s.ApplyIncoming(m)
	require.NoError(t, s.SetEditing("1", true))

	require.NoError(t, s.ApplyEdit("1", "hello", map[string]string{"de": "hallo"}))

	got, _ := s.Get("1")
	assert.Equal(t, "hello", got.OriginalText)
	assert.Equal(t, map[string]string{"de": "hallo"}, got.Translations)
	assert.True(t, got.IsEdited)
	assert.False(t, got.IsEditing)

	assert.ErrorIs(t, s.ApplyEdit("5", "x", nil), ErrNotFound)
}

func TestStore_ApplyPresence(t *testing.T) {
	s := newTestStore(t, &MockFetcher{})

	assert.False(t, s.ApplyPresence(2, "me"), "expected no notification about the viewer")
	assert.True(t, s.ApplyPresence(3, "amy"))
	assert.False(t, s.ApplyPresence(3, "amy"))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, PresenceID(1, 3), msgs[0].Id)
	assert.Equal(t, types.ContentJoinNotification, msgs[0].ContentType)
	assert.Empty(t, s.WindowIDs(), "expected synthetic ids to stay out of fetches")
}

func TestStore_LoadMore(t *testing.T) {
	f := &MockFetcher{}
	defer f.AssertExpectations(t)

	all := messages(15)
	f.On("FetchAll", mock.Anything, mock.Anything).Return(all, nil).Once()
	f.On("FetchOnDemand", mock.Anything, params(french), ids(all[9:])).Return(nil, nil).Once()
	f.On("FetchOnDemand", mock.Anything, params(french), ids(all[3:])).Return(nil, nil).Once()
	f.On("FetchOnDemand", mock.Anything, params(french), ids(all)).Return(nil, nil).Once()

	s := newTestStore(t, f)
	require.NoError(t, s.LoadAll(context.Background(), french))
	assert.Equal(t, 6, s.Window())

	require.NoError(t, s.LoadMore(context.Background()))
	assert.Equal(t, 12, s.Window())
	assert.Len(t, s.Visible(), 12)

	require.NoError(t, s.LoadMore(context.Background()))
	assert.Equal(t, 15, s.Window(), "expected window capped at the sequence length")

	require.NoError(t, s.LoadMore(context.Background()))
	assert.Equal(t, 15, s.Window())
}

func TestStore_Reply(t *testing.T) {
	s := newTestStore(t, &MockFetcher{})
	s.ApplyIncoming(textMessage(1, "question"))
	s.ApplyIncoming(textMessage(2, "other"))
	s.ApplyPresence(5, "amy")

	assert.ErrorIs(t, s.StartReply("9"), ErrNotFound)
	assert.ErrorIs(t, s.StartReply(PresenceID(1, 5)), ErrNotFound)

	require.NoError(t, s.StartReply("1"))
	p, ok := s.ReplyPreview()
	require.True(t, ok)
	assert.Equal(t, Preview{Id: "1", Username: "bob", Text: "question"}, p)

	assert.Equal(t, types.MessageID("1"), s.ConsumeReply())
	assert.Equal(t, types.NoReply, s.ReplyTarget())
	_, ok = s.ReplyPreview()
	assert.False(t, ok)

	require.NoError(t, s.StartReply("2"))
	s.ClearReply()
	assert.Equal(t, types.NoReply, s.ConsumeReply())
}

func TestStore_PreviewOfRecalled(t *testing.T) {
	s := newTestStore(t, &MockFetcher{})
	s.ApplyIncoming(textMessage(1, "secret"))
	require.NoError(t, s.StartReply("1"))

	_, err := s.ApplyRecall("1", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.NoReply, s.ReplyTarget(), "expected recall to clear the reply target")

	p, ok := s.PreviewOf("1")
	require.True(t, ok)
	assert.True(t, p.Recalled)
	assert.Equal(t, types.RecallMarker, p.Text)
}

// blockingFetcher holds each call until released so tests can interleave
// loads.
type blockingFetcher struct {
	all      chan []types.Message
	onDemand chan []types.Message
	entered  chan struct{}
}

func (f *blockingFetcher) FetchAll(ctx context.Context, p api.FetchParams) ([]types.Message, error) {
	return <-f.all, nil
}

func (f *blockingFetcher) FetchOnDemand(ctx context.Context, p api.FetchParams, ids []types.MessageID) ([]types.Message, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	return <-f.onDemand, nil
}

func TestStore_StaleFullLoadDiscarded(t *testing.T) {
	f := &blockingFetcher{all: make(chan []types.Message)}
	s := newTestStore(t, f)

	older := make(chan error, 1)
	go func() { older <- s.LoadAll(context.Background(), types.DefaultSelection()) }()
	// let the older load issue first
	f.all <- nil
	assert.NoError(t, <-older)

	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() { first <- s.LoadAll(context.Background(), types.DefaultSelection()) }()
	require.Eventually(t, func() bool { return s.generationForTest() == 2 }, timeoutForTest, tickForTest)
	go func() { second <- s.LoadAll(context.Background(), types.DefaultSelection()) }()
	require.Eventually(t, func() bool { return s.generationForTest() == 3 }, timeoutForTest, tickForTest)

	f.all <- messages(2)
	f.all <- messages(1)

	errs := []error{<-first, <-second}
	assert.Contains(t, errs, ErrStale)
	assert.Contains(t, errs, nil)
}

func TestStore_FullLoadKeepsLocalEntries(t *testing.T) {
	f := &blockingFetcher{all: make(chan []types.Message, 1)}
	s := newTestStore(t, f)

	f.all <- messages(3)
	require.NoError(t, s.LoadAll(context.Background(), types.DefaultSelection()))
	require.True(t, s.ApplyPresence(7, "carol"))
	// pushed before the reload was issued and missing from its snapshot
	require.True(t, s.ApplyIncoming(textMessage(50, "gone")))

	done := make(chan error, 1)
	go func() { done <- s.LoadAll(context.Background(), types.DefaultSelection()) }()
	require.Eventually(t, func() bool { return s.generationForTest() == 2 }, timeoutForTest, tickForTest)

	require.True(t, s.ApplyIncoming(textMessage(99, "late")))
	require.False(t, s.ApplyIncoming(textMessage(3, "message 3")))
	f.all <- messages(3)
	require.NoError(t, <-done)

	assert.Equal(t, []types.MessageID{"1", "2", "3", PresenceID(1, 7), "99"}, ids(s.Messages()))
	_, ok := s.Get("50")
	assert.False(t, ok, "expected entry pushed before the reload to follow the snapshot")

	// a later reload whose snapshot carries the pushed message holds it once
	f.all <- append(messages(3), textMessage(99, "late"))
	require.NoError(t, s.LoadAll(context.Background(), types.DefaultSelection()))
	assert.Equal(t, []types.MessageID{"1", "2", "3", "99", PresenceID(1, 7)}, ids(s.Messages()))
}

func TestStore_StaleOnDemandDiscarded(t *testing.T) {
	f := &blockingFetcher{
		all:      make(chan []types.Message, 1),
		onDemand: make(chan []types.Message),
		entered:  make(chan struct{}),
	}
	s := newTestStore(t, f)
	for _, m := range messages(2) {
		s.ApplyIncoming(m)
	}

	done := make(chan error, 1)
	go func() { done <- s.LoadOnDemand(context.Background(), french, []types.MessageID{"1"}) }()
	<-f.entered

	f.all <- messages(2)
	require.NoError(t, s.LoadAll(context.Background(), types.DefaultSelection()))

	late := textMessage(1, "message 1")
	late.Translations = map[string]string{"fr": "message un"}
	f.onDemand <- []types.Message{late}

	assert.ErrorIs(t, <-done, ErrStale)
	m, _ := s.Get("1")
	assert.Empty(t, m.Translations)
}
