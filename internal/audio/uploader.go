package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-livechat/internal/channel"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/npezzotti/go-livechat/internal/types"
)

const (
	defaultRetries    = 3
	defaultRetryDelay = 2 * time.Second
	defaultAckTimeout = 5 * time.Second
)

var ErrUploadFailed = errors.New("audio upload not acknowledged")

// Metadata describes who sent an utterance and how it should be rendered.
type Metadata struct {
	ChatroomId     int
	UserId         int
	Username       string
	SourceLanguage string
	ReplyTo        types.MessageID
	Selection      types.Selection
}

// PendingUpload tracks delivery of one utterance.
type PendingUpload struct {
	ClientMessageId string
	Payload         channel.UploadAudio
	Attempt         int
	Acked           bool
}

type UploaderOptions struct {
	// Retries bounds the total number of attempts.
	Retries    int
	RetryDelay time.Duration
	AckTimeout time.Duration
}

// Uploader emits recordings and waits for the server to acknowledge them,
// retrying a fixed number of times with a fixed delay.
type Uploader struct {
	emitter   channel.Emitter
	opts      UploaderOptions
	log       *log.Logger
	stats     stats.StatsProvider
	onFailure func(PendingUpload, error)
}

func NewUploader(emitter channel.Emitter, opts UploaderOptions, logger *log.Logger, su stats.StatsProvider) *Uploader {
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if su == nil {
		su = stats.Nop{}
	}

	return &Uploader{
		emitter: emitter,
		opts:    opts,
		log:     logger,
		stats:   su,
	}
}

// OnFailure registers fn to run once for every upload that exhausted its
// retries. Set it before the first Upload.
func (u *Uploader) OnFailure(fn func(PendingUpload, error)) {
	u.onFailure = fn
}

func NewPendingUpload(rec Recording, md Metadata) *PendingUpload {
	id := uuid.NewString()
	return &PendingUpload{
		ClientMessageId: id,
		Payload: channel.UploadAudio{
			ClientMessageId:  id,
			ChatroomId:       md.ChatroomId,
			UserId:           md.UserId,
			Username:         md.Username,
			Audio:            EncodeBase64(rec),
			SourceLanguage:   md.SourceLanguage,
			ReplyToMessageId: md.ReplyTo,
			LanguageFields:   channel.NewLanguageFields(md.Selection),
		},
	}
}

// Upload delivers rec. Every attempt carries the same client message id so
// the server can drop duplicates. An acknowledgment that arrives late, while
// waiting to retry, still counts.
func (u *Uploader) Upload(ctx context.Context, rec Recording, md Metadata) (PendingUpload, error) {
	p := NewPendingUpload(rec, md)
	acked := make(chan struct{}, 1)
	ack := func(json.RawMessage) {
		select {
		case acked <- struct{}{}:
		default:
		}
	}

	for p.Attempt < u.opts.Retries {
		if p.Attempt > 0 {
			t := time.NewTimer(u.opts.RetryDelay)
			select {
			case <-acked:
				t.Stop()
				p.Acked = true
				return *p, nil
			case <-ctx.Done():
				t.Stop()
				return *p, fmt.Errorf("upload %s: %w", p.ClientMessageId, ctx.Err())
			case <-t.C:
			}
		}

		p.Attempt++
		u.stats.Incr(stats.NumUploadAttempts)
		if err := u.emitter.Emit(channel.EventUploadAudio, p.Payload, ack); err != nil {
			u.log.Printf("upload %s attempt %d: %v", p.ClientMessageId, p.Attempt, err)
			continue
		}

		t := time.NewTimer(u.opts.AckTimeout)
		select {
		case <-acked:
			t.Stop()
			p.Acked = true
			return *p, nil
		case <-ctx.Done():
			t.Stop()
			return *p, fmt.Errorf("upload %s: %w", p.ClientMessageId, ctx.Err())
		case <-t.C:
			u.log.Printf("upload %s attempt %d not acknowledged within %s", p.ClientMessageId, p.Attempt, u.opts.AckTimeout)
		}
	}

	u.stats.Incr(stats.NumUploadFailures)
	err := fmt.Errorf("upload %s: %w after %d attempts", p.ClientMessageId, ErrUploadFailed, p.Attempt)
	if u.onFailure != nil {
		u.onFailure(*p, err)
	}
	return *p, err
}
