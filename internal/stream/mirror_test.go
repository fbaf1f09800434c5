package stream

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-livechat/internal/channel"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/npezzotti/go-livechat/internal/testutil"
	"github.com/npezzotti/go-livechat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T, tr Translator, sel types.Selection, su stats.StatsProvider) *Mirror {
	m := NewMirror(tr, func() types.Selection { return sel }, MirrorOptions{Grace: 50 * time.Millisecond}, testutil.TestLogger(t), su)
	t.Cleanup(m.Close)
	return m
}

func TestMirror_Lifecycle(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveSpeakers).Return().Once()
	su.On("Decr", stats.NumActiveSpeakers).Return().Once()
	su.On("Incr", stats.NumTranslationRequests).Return()
	defer su.AssertExpectations(t)

	tr := &MockTranslator{}
	tr.On("Translate", mock.Anything, "hola amigos", "es-ES", "en").Return("hello friends", nil).Once()
	defer tr.AssertExpectations(t)

	sel := types.Selection{Single: "en", First: types.RawLanguage, Second: types.RawLanguage}
	m := newTestMirror(t, tr, sel, su)

	m.Start(channel.SpeakingStart{ChatroomId: 1, UserId: 7, Username: "ana", Duration: 60})
	sp, ok := m.Get(7)
	require.True(t, ok)
	assert.Equal(t, SpeakerLoading, sp.State)
	assert.Equal(t, "ana", sp.Username)

	m.Transcript(channel.Transcript{ChatroomId: 1, UserId: 7, Final: "hola", Interim: "amigos", SourceLanguage: "es-ES"})
	sp, _ = m.Get(7)
	assert.Equal(t, SpeakerLive, sp.State)
	assert.Equal(t, "hola amigos", sp.Text())

	require.Eventually(t, func() bool {
		sp, _ := m.Get(7)
		return sp.Translations["en"] == "hello friends"
	}, waitFor, tick)

	m.Stop(channel.SpeakingStop{ChatroomId: 1, UserId: 7})
	sp, _ = m.Get(7)
	assert.Equal(t, SpeakerEnhancing, sp.State)
	assert.Equal(t, "hola amigos", sp.Text(), "expected raw caption kept during the grace period")

	require.Eventually(t, func() bool {
		sp, _ := m.Get(7)
		return sp.Text() == ""
	}, waitFor, tick)
	sp, ok = m.Get(7)
	require.True(t, ok, "expected placeholder kept until the message is finalized")
	assert.Equal(t, SpeakerEnhancing, sp.State)

	m.Finalize(7)
	_, ok = m.Get(7)
	assert.False(t, ok)
	assert.Empty(t, m.Speakers())
}

func TestMirror_SpeakersIndependent(t *testing.T) {
	m := newTestMirror(t, nil, types.DefaultSelection(), nil)

	m.Start(channel.SpeakingStart{UserId: 3, Username: "cy"})
	m.Start(channel.SpeakingStart{UserId: 1, Username: "al"})
	m.Transcript(channel.Transcript{UserId: 1, Interim: "first"})
	m.Transcript(channel.Transcript{UserId: 3, Interim: "second"})
	m.Transcript(channel.Transcript{UserId: 1, Interim: "first again"})
	m.Stop(channel.SpeakingStop{UserId: 3})

	speakers := m.Speakers()
	require.Len(t, speakers, 2)
	assert.Equal(t, 1, speakers[0].UserId)
	assert.Equal(t, "first again", speakers[0].Interim)
	assert.Equal(t, SpeakerLive, speakers[0].State)
	assert.Equal(t, 3, speakers[1].UserId)
	assert.Equal(t, SpeakerEnhancing, speakers[1].State)
}

func TestMirror_TranscriptWithoutStart(t *testing.T) {
	m := newTestMirror(t, nil, types.DefaultSelection(), nil)

	m.Transcript(channel.Transcript{UserId: 4, Username: "di", Interim: "late joiner"})
	sp, ok := m.Get(4)
	require.True(t, ok)
	assert.Equal(t, SpeakerLive, sp.State)
	assert.Equal(t, "late joiner", sp.Interim)
}

func TestMirror_StopUnknownSpeaker(t *testing.T) {
	m := newTestMirror(t, nil, types.DefaultSelection(), nil)

	m.Stop(channel.SpeakingStop{UserId: 9})
	m.Finalize(9)
	assert.Empty(t, m.Speakers())
}

func TestMirror_TranscriptIgnoredWhileEnhancing(t *testing.T) {
	m := newTestMirror(t, nil, types.DefaultSelection(), nil)

	m.Start(channel.SpeakingStart{UserId: 2})
	m.Transcript(channel.Transcript{UserId: 2, Final: "done"})
	m.Stop(channel.SpeakingStop{UserId: 2})
	m.Transcript(channel.Transcript{UserId: 2, Final: "stray"})

	sp, _ := m.Get(2)
	assert.Equal(t, "done", sp.Final)
}

func TestMirror_RestartCancelsClear(t *testing.T) {
	m := newTestMirror(t, nil, types.DefaultSelection(), nil)

	m.Start(channel.SpeakingStart{UserId: 2})
	m.Transcript(channel.Transcript{UserId: 2, Final: "one"})
	m.Stop(channel.SpeakingStop{UserId: 2})
	m.Start(channel.SpeakingStart{UserId: 2})
	m.Transcript(channel.Transcript{UserId: 2, Final: "two"})

	time.Sleep(100 * time.Millisecond)
	sp, _ := m.Get(2)
	assert.Equal(t, SpeakerLive, sp.State)
	assert.Equal(t, "two", sp.Final)
}

func TestMirror_StaleTranslationDropped(t *testing.T) {
	release := make(chan struct{})
	tr := translatorFunc(func(ctx context.Context, text, source, target string) (string, error) {
		if text == "old" {
			<-release
			return "OLD", nil
		}
		return "NEW", nil
	})

	sel := types.Selection{Single: "fr", First: types.RawLanguage, Second: types.RawLanguage}
	m := newTestMirror(t, tr, sel, nil)

	m.Start(channel.SpeakingStart{UserId: 5})
	m.Transcript(channel.Transcript{UserId: 5, Final: "old", SourceLanguage: "en"})
	m.Start(channel.SpeakingStart{UserId: 5})
	m.Transcript(channel.Transcript{UserId: 5, Final: "new", SourceLanguage: "en"})

	require.Eventually(t, func() bool {
		sp, _ := m.Get(5)
		return sp.Translations["fr"] == "NEW"
	}, waitFor, tick)

	close(release)
	assert.Never(t, func() bool {
		sp, _ := m.Get(5)
		return sp.Translations["fr"] != "NEW"
	}, 100*time.Millisecond, tick)
}
