package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-livechat/internal/audio"
	"github.com/npezzotti/go-livechat/internal/channel"
	"github.com/npezzotti/go-livechat/internal/settings"
	"github.com/npezzotti/go-livechat/internal/store"
	"github.com/npezzotti/go-livechat/internal/stream"
	"github.com/npezzotti/go-livechat/internal/types"
)

const inboundBuffer = 256

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNotAcknowledged = errors.New("server did not acknowledge the request")
	ErrNotSpeaking     = errors.New("not speaking")
)

// roomEvents are the server events a room reacts to.
var roomEvents = []channel.Event{
	channel.EventNewMessage,
	channel.EventTranslatedExisting,
	channel.EventRecallStatus,
	channel.EventEditedMessage,
	channel.EventRemoteSpeakingStart,
	channel.EventRemoteSpeakingStop,
	channel.EventRemoteTranscript,
	channel.EventUserJoined,
	channel.EventLeftChatroom,
	channel.EventAudioUploadFailed,
	channel.EventTextUploadFailed,
}

type inboundEvent struct {
	event channel.Event
	data  json.RawMessage
}

// Room is the session state of the active chatroom. Server events are
// applied by a single loop goroutine in arrival order.
type Room struct {
	id     int
	client *Client
	log    *log.Logger

	store     *store.Store
	captioner *stream.Captioner
	mirror    *stream.Mirror

	selMu     sync.RWMutex
	selection types.Selection

	inbound     chan inboundEvent
	reconnected chan struct{}
	autoStopped chan stream.Caption

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	subs       []*channel.Subscription
	removeHook func()
	closeOnce  sync.Once

	speakMu  sync.Mutex
	speaking bool

	obsMu    sync.RWMutex
	onUpdate func()
}

func newRoom(c *Client, chatroomId int, sel types.Selection) *Room {
	ctx, cancel := context.WithCancel(c.ctx)
	r := &Room{
		id:          chatroomId,
		client:      c,
		log:         c.log,
		selection:   sel,
		inbound:     make(chan inboundEvent, inboundBuffer),
		reconnected: make(chan struct{}, 1),
		autoStopped: make(chan stream.Caption, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	r.store = store.New(c.api, store.Options{
		ChatroomId:  chatroomId,
		ViewerId:    c.claims.UserId,
		BillingMode: c.cfg.BillingMode,
		WindowSize:  c.cfg.WindowSize,
		WindowStep:  c.cfg.WindowStep,
	}, c.log)

	r.captioner = stream.NewCaptioner(c.recognizers, c.ch, c.api, r.Selection, stream.CaptionerOptions{
		ChatroomId:      chatroomId,
		UserId:          c.claims.UserId,
		Username:        c.claims.Username,
		Language:        c.settings.Get(settings.KeySpeechLanguage),
		CaptureLimit:    c.cfg.CaptureLimit.Duration(),
		RestartDelay:    c.cfg.RecognizerRestartDelay.Duration(),
		MaxRestarts:     c.cfg.RecognizerMaxRestarts,
		InterimInterval: c.cfg.InterimInterval.Duration(),
	}, c.log, c.stats)

	r.mirror = stream.NewMirror(c.api, r.Selection, stream.MirrorOptions{
		Grace: c.cfg.CaptionGrace.Duration(),
	}, c.log, c.stats)

	r.store.OnChange(r.changed)
	r.captioner.OnCaption(func(stream.Caption) { r.changed() })
	r.captioner.OnAutoStop(func(caption stream.Caption) {
		select {
		case r.autoStopped <- caption:
		case <-r.ctx.Done():
		}
	})
	r.mirror.OnUpdate(func(stream.Speaker) { r.changed() })
	r.mirror.OnRemove(func(int) { r.changed() })

	return r
}

// start subscribes to the room's events, announces the viewer and performs
// the initial load.
func (r *Room) start(ctx context.Context) {
	for _, ev := range roomEvents {
		r.subs = append(r.subs, r.client.ch.Subscribe(ev, func(data json.RawMessage) {
			r.enqueue(ev, data)
		}))
	}
	r.removeHook = r.client.ch.OnConnect(func() {
		select {
		case r.reconnected <- struct{}{}:
		default:
		}
	})

	go r.loop()

	if r.client.ch.State() == channel.Connected {
		r.emitJoin()
	}
	r.fetchResult(r.store.LoadAll(ctx, r.Selection()))
}

func (r *Room) enqueue(ev channel.Event, data json.RawMessage) {
	select {
	case r.inbound <- inboundEvent{event: ev, data: data}:
	case <-r.ctx.Done():
	}
}

func (r *Room) loop() {
	defer close(r.done)

	for {
		select {
		case ev := <-r.inbound:
			r.handle(ev)
		case <-r.reconnected:
			r.log.Printf("rejoining room %d", r.id)
			r.emitJoin()
			r.goFetch(func(ctx context.Context) error {
				return r.store.LoadAll(ctx, r.Selection())
			})
		case caption := <-r.autoStopped:
			r.log.Printf("capture limit reached in room %d", r.id)
			r.speakMu.Lock()
			r.finishSpeakingLocked(caption)
			r.speakMu.Unlock()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Room) emitJoin() {
	err := r.client.ch.Emit(channel.EventJoinRoom, channel.JoinRoom{
		ChatroomId: r.id,
		UserId:     r.client.claims.UserId,
	}, nil)
	if err != nil {
		r.log.Printf("join room %d: %v", r.id, err)
	}
}

// goFetch runs fn off the loop. Its result is reported, not returned.
func (r *Room) goFetch(fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.fetchResult(fn(r.ctx))
	}()
}

// fetchResult turns a fetch error into a notice. Superseded and abandoned
// fetches are silent.
func (r *Room) fetchResult(err error) error {
	if err == nil || errors.Is(err, store.ErrStale) || r.ctx.Err() != nil {
		return nil
	}
	r.client.notify(Notice{
		Kind:       NoticeFetchFailed,
		ChatroomId: r.id,
		Message:    "could not load messages",
		Err:        err,
	})
	return err
}

func (r *Room) handle(ev inboundEvent) {
	decode := func(v any) bool {
		if err := json.Unmarshal(ev.data, v); err != nil {
			r.log.Printf("dropping event %q: %v", ev.event, err)
			return false
		}
		return true
	}
	self := r.client.claims.UserId

	switch ev.event {
	case channel.EventNewMessage:
		var p channel.MessageEvent
		if !decode(&p) || !r.ours(p.Message.ChatroomId) {
			return
		}
		r.handleNewMessage(p.Message)
	case channel.EventTranslatedExisting:
		var p channel.MessageEvent
		if !decode(&p) || !r.ours(p.Message.ChatroomId) {
			return
		}
		if err := r.store.ApplyTranslationPatch(p.Message); err != nil {
			r.log.Printf("translation for %s: %v", p.Message.Id, err)
		}
	case channel.EventRecallStatus:
		var p channel.RecallStatus
		if !decode(&p) {
			return
		}
		if _, err := r.store.ApplyRecall(p.MessageId, p.RecallUsername); err != nil {
			r.log.Printf("recall %s: %v", p.MessageId, err)
		}
	case channel.EventEditedMessage:
		var p channel.MessageEvent
		if !decode(&p) || !r.ours(p.Message.ChatroomId) {
			return
		}
		if err := r.store.ApplyEdit(p.Message.Id, p.Message.OriginalText, p.Message.Translations); err != nil {
			r.log.Printf("edit %s: %v", p.Message.Id, err)
			return
		}
		// edits change what the window renders, reply previews included
		r.goFetch(r.store.RefreshWindow)
	case channel.EventRemoteSpeakingStart:
		var p channel.SpeakingStart
		if decode(&p) && r.ours(p.ChatroomId) && p.UserId != self {
			r.mirror.Start(p)
		}
	case channel.EventRemoteSpeakingStop:
		var p channel.SpeakingStop
		if decode(&p) && r.ours(p.ChatroomId) && p.UserId != self {
			r.mirror.Stop(p)
		}
	case channel.EventRemoteTranscript:
		var p channel.Transcript
		if decode(&p) && r.ours(p.ChatroomId) && p.UserId != self {
			r.mirror.Transcript(p)
		}
	case channel.EventUserJoined:
		var p channel.UserJoined
		if decode(&p) && r.ours(p.ChatroomId) {
			r.store.ApplyPresence(p.UserId, p.Username)
		}
	case channel.EventLeftChatroom:
		var p channel.LeftChatroom
		if !decode(&p) || !r.ours(p.ChatroomId) {
			return
		}
		r.client.notify(Notice{Kind: NoticeLeftRoom, ChatroomId: r.id, Message: "you left the room"})
		// Close waits for this loop, so leave from another goroutine.
		go r.client.leaveRoom(r)
	case channel.EventAudioUploadFailed:
		var p channel.UploadFailed
		if decode(&p) {
			r.client.notify(Notice{Kind: NoticeUploadFailed, ChatroomId: r.id, Message: uploadFailure("voice message", p)})
		}
	case channel.EventTextUploadFailed:
		var p channel.UploadFailed
		if decode(&p) {
			r.client.notify(Notice{Kind: NoticeTextUploadFailed, ChatroomId: r.id, Message: uploadFailure("message", p)})
		}
	}
}

func uploadFailure(what string, p channel.UploadFailed) string {
	if p.Error == "" {
		return what + " was not delivered"
	}
	return fmt.Sprintf("%s was not delivered: %s", what, p.Error)
}

// ours reports whether a payload belongs to this room. Payloads without a
// chatroom id are accepted.
func (r *Room) ours(chatroomId int) bool {
	return chatroomId == 0 || chatroomId == r.id
}

func (r *Room) handleNewMessage(m types.Message) {
	if !r.store.ApplyIncoming(m) {
		return
	}
	if m.UserId != r.client.claims.UserId {
		r.mirror.Finalize(m.UserId)
	}

	sel := r.Selection()
	if sel.IsRaw() || m.ContentType == types.ContentJoinNotification || !missingTranslation(m, sel) {
		return
	}
	id := m.Id
	r.goFetch(func(ctx context.Context) error {
		err := r.store.LoadOnDemand(ctx, sel, []types.MessageID{id})
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}

func missingTranslation(m types.Message, sel types.Selection) bool {
	for _, k := range sel.Keys() {
		if _, ok := m.Text(k); !ok {
			return true
		}
	}
	return false
}

func (r *Room) Id() int { return r.id }

func (r *Room) Store() *store.Store { return r.store }

func (r *Room) Mirror() *stream.Mirror { return r.mirror }

func (r *Room) Caption() stream.Caption { return r.captioner.Caption() }

func (r *Room) Selection() types.Selection {
	r.selMu.RLock()
	defer r.selMu.RUnlock()
	return r.selection
}

// OnUpdate registers fn to run whenever rendered state may have changed.
// fn must not block.
func (r *Room) OnUpdate(fn func()) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.onUpdate = fn
}

func (r *Room) changed() {
	r.obsMu.RLock()
	fn := r.onUpdate
	r.obsMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SendText posts a text message, consuming the pending reply target.
func (r *Room) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c := r.client
	payload := channel.UploadText{
		ClientMessageId:  uuid.NewString(),
		ChatroomId:       r.id,
		UserId:           c.claims.UserId,
		Username:         c.claims.Username,
		Text:             text,
		ReplyToMessageId: r.store.ReplyTarget(),
		LanguageFields:   channel.NewLanguageFields(r.Selection()),
	}
	if err := c.ch.Emit(channel.EventUploadText, payload, nil); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	r.store.ConsumeReply()
	return nil
}

// Recall asks the server to recall id and applies it locally once the
// server acknowledges.
func (r *Room) Recall(ctx context.Context, id types.MessageID) error {
	if _, ok := r.store.Get(id); !ok {
		return store.ErrNotFound
	}

	c := r.client
	acked := make(chan struct{}, 1)
	err := c.ch.Emit(channel.EventRecall, channel.Recall{
		ChatroomId: r.id,
		MessageId:  id,
		UserId:     c.claims.UserId,
		Username:   c.claims.Username,
	}, func(json.RawMessage) {
		select {
		case acked <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout.Duration())
	defer timer.Stop()

	select {
	case <-acked:
		_, err := r.store.ApplyRecall(id, c.claims.Username)
		return err
	case <-timer.C:
		return fmt.Errorf("recall %s: %w", id, ErrNotAcknowledged)
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *Room) StartEdit(id types.MessageID) error {
	return r.store.SetEditing(id, true)
}

func (r *Room) CancelEdit(id types.MessageID) error {
	return r.store.SetEditing(id, false)
}

// Edit sends replacement text for id. The store is updated when the server
// broadcasts the edited message.
func (r *Room) Edit(id types.MessageID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if _, ok := r.store.Get(id); !ok {
		return store.ErrNotFound
	}

	c := r.client
	err := c.ch.Emit(channel.EventEditText, channel.EditText{
		ChatroomId: r.id,
		MessageId:  id,
		UserId:     c.claims.UserId,
		Text:       text,
	}, nil)
	if err != nil {
		return fmt.Errorf("edit: %w", err)
	}
	return r.store.SetEditing(id, false)
}

func (r *Room) Reply(id types.MessageID) error {
	return r.store.StartReply(id)
}

func (r *Room) ClearReply() {
	r.store.ClearReply()
}

// SetSelection persists sel and reloads the room's messages for it.
func (r *Room) SetSelection(ctx context.Context, sel types.Selection) error {
	r.selMu.Lock()
	r.selection = sel
	r.selMu.Unlock()

	if err := SaveSelection(r.client.settings, sel); err != nil {
		r.log.Printf("persist selection: %v", err)
	}
	r.changed()
	return r.fetchResult(r.store.LoadAll(ctx, sel))
}

func (r *Room) SetLanguage(ctx context.Context, lang string) error {
	sel := r.Selection()
	sel.Single = lang
	return r.SetSelection(ctx, sel)
}

// ToggleSplit switches between single and split display. The single
// language is kept for when split mode is turned off.
func (r *Room) ToggleSplit(ctx context.Context) error {
	sel := r.Selection()
	sel.IsSplit = !sel.IsSplit
	return r.SetSelection(ctx, sel)
}

func (r *Room) SetSplitLanguages(ctx context.Context, first, second string) error {
	sel := r.Selection()
	sel.First = first
	sel.Second = second
	return r.SetSelection(ctx, sel)
}

func (r *Room) LoadMore(ctx context.Context) error {
	return r.fetchResult(r.store.LoadMore(ctx))
}

// Speaking reports whether the viewer is capturing an utterance.
func (r *Room) Speaking() bool {
	r.speakMu.Lock()
	defer r.speakMu.Unlock()
	return r.speaking
}

// StartSpeaking begins recording and live captioning an utterance. An
// utterance already in progress is aborted and never uploaded.
func (r *Room) StartSpeaking(ctx context.Context) error {
	r.speakMu.Lock()
	defer r.speakMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	c := r.client
	if r.speaking {
		r.log.Println("aborting utterance in progress")
		r.speaking = false
		if _, err := c.recorder.Stop(); err != nil {
			r.log.Printf("discard recording: %v", err)
		}
	}

	// the device stays warm across utterances, so it lives as long as the client
	if err := c.recorder.Start(c.ctx); err != nil {
		// a capture left over from the aborted utterance must not outlive it
		r.captioner.Close()
		c.notify(Notice{Kind: NoticeDevice, ChatroomId: r.id, Message: "microphone unavailable", Err: err})
		return err
	}
	if err := r.captioner.Start(r.ctx); err != nil {
		if _, serr := c.recorder.Stop(); serr != nil {
			r.log.Printf("discard recording: %v", serr)
		}
		c.notify(Notice{Kind: NoticeRecognition, ChatroomId: r.id, Message: "speech recognition unavailable", Err: err})
		return err
	}
	r.speaking = true
	return nil
}

// StopSpeaking ends the utterance and uploads the recording in the
// background. Upload failures are reported as notices.
func (r *Room) StopSpeaking() error {
	r.speakMu.Lock()
	defer r.speakMu.Unlock()

	if !r.speaking {
		return ErrNotSpeaking
	}
	caption, err := r.captioner.Stop()
	if err != nil && !errors.Is(err, stream.ErrNotCapturing) {
		r.log.Printf("stop captioning: %v", err)
	}
	r.finishSpeakingLocked(caption)
	return nil
}

func (r *Room) finishSpeakingLocked(caption stream.Caption) {
	if !r.speaking {
		return
	}
	r.speaking = false

	c := r.client
	rec, err := c.recorder.Stop()
	if err != nil {
		r.log.Printf("stop recording: %v", err)
		return
	}
	if len(rec.PCM) == 0 {
		r.log.Println("discarding empty recording")
		return
	}
	if caption.Text() == "" {
		r.log.Println("uploading utterance without a caption")
	}

	md := audio.Metadata{
		ChatroomId:     r.id,
		UserId:         c.claims.UserId,
		Username:       c.claims.Username,
		SourceLanguage: c.settings.Get(settings.KeySpeechLanguage),
		ReplyTo:        r.store.ConsumeReply(),
		Selection:      r.Selection(),
	}
	go func() {
		if _, err := c.uploader.Upload(c.ctx, rec, md); err != nil {
			r.log.Printf("upload utterance: %v", err)
		}
	}()
}

// Close tears the room down: pending translations and fetches are
// abandoned and an active capture is discarded.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		r.removeHook()
		for _, s := range r.subs {
			s.Unsubscribe()
		}
		r.cancel()
		<-r.done

		r.speakMu.Lock()
		r.speaking = false
		if err := r.client.recorder.Release(); err != nil {
			r.log.Printf("release capture device: %v", err)
		}
		r.speakMu.Unlock()

		r.captioner.Close()
		r.mirror.Close()
		r.wg.Wait()
		r.log.Printf("left room %d", r.id)
	})
}
