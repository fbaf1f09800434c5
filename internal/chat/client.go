// Package chat ties the channel, the message store and the speech pipeline
// together into a client session with one active room.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/npezzotti/go-livechat/internal/api"
	"github.com/npezzotti/go-livechat/internal/audio"
	"github.com/npezzotti/go-livechat/internal/auth"
	"github.com/npezzotti/go-livechat/internal/channel"
	"github.com/npezzotti/go-livechat/internal/config"
	"github.com/npezzotti/go-livechat/internal/settings"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/npezzotti/go-livechat/internal/stream"
	"github.com/npezzotti/go-livechat/internal/types"
)

const noticeBuffer = 64

var ErrNoRoom = errors.New("no active room")

type Options struct {
	Settings    settings.Provider
	Recognizers stream.RecognizerFactory
	Device      audio.Device
	Stats       stats.StatsProvider
}

// Client is one signed-in session: a single channel connection and at most
// one active room.
type Client struct {
	cfg         *config.Config
	claims      auth.Claims
	log         *log.Logger
	stats       stats.StatsProvider
	ch          *channel.Manager
	api         *api.Client
	settings    settings.Provider
	recognizers stream.RecognizerFactory
	recorder    *audio.Recorder
	uploader    *audio.Uploader
	notices     chan Notice

	// ctx outlives rooms so uploads survive a room switch.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	room       *Room
	chatrooms  []types.Chatroom
	lastState  channel.State
	subs       []*channel.Subscription
	removeHook func()
	closeOnce  sync.Once
}

func NewClient(cfg *config.Config, opts Options, logger *log.Logger) (*Client, error) {
	claims, err := auth.ValidToken(cfg.Token, time.Now())
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}

	apiClient, err := api.NewClient(cfg.ServerURL, cfg.Token, logger)
	if err != nil {
		return nil, err
	}

	if opts.Settings == nil {
		opts.Settings = settings.NewMemoryProvider()
	}
	if opts.Recognizers == nil {
		opts.Recognizers = func() (stream.Recognizer, error) { return stream.NoopRecognizer{}, nil }
	}
	if opts.Device == nil {
		opts.Device = audio.NoopDevice{}
	}
	if opts.Stats == nil {
		opts.Stats = stats.Nop{}
	}

	ch := channel.NewManager(channel.Options{
		URL:            cfg.ChannelURL,
		Token:          cfg.Token,
		ReconnectDelay: cfg.ReconnectDelay.Duration(),
	}, logger, opts.Stats)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         cfg,
		claims:      claims,
		log:         logger,
		stats:       opts.Stats,
		ch:          ch,
		api:         apiClient,
		settings:    opts.Settings,
		recognizers: opts.Recognizers,
		recorder: audio.NewRecorder(opts.Device, audio.RecorderOptions{
			Limit:      cfg.CaptureLimit.Duration(),
			Inactivity: cfg.InactivityTimeout.Duration(),
		}, logger),
		uploader: audio.NewUploader(ch, audio.UploaderOptions{
			Retries:    cfg.UploadRetries,
			RetryDelay: cfg.UploadRetryDelay.Duration(),
			AckTimeout: cfg.AckTimeout.Duration(),
		}, logger, opts.Stats),
		notices: make(chan Notice, noticeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.uploader.OnFailure(c.handleUploadFailure)
	c.subs = []*channel.Subscription{
		channel.On(ch, channel.EventChatroomsFetched, c.handleChatrooms),
		channel.On(ch, channel.EventTokenNegative, func(struct{}) { c.handleTokenNegative() }),
	}
	c.removeHook = ch.OnConnect(c.onConnect)
	ch.OnStateChange(c.handleState)

	return c, nil
}

func (c *Client) Claims() auth.Claims { return c.claims }

func (c *Client) Settings() settings.Provider { return c.settings }

func (c *Client) Channel() *channel.Manager { return c.ch }

// Notices delivers user-visible failures. Notices are dropped while the
// buffer is full.
func (c *Client) Notices() <-chan Notice { return c.notices }

func (c *Client) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
		c.log.Printf("dropping notice %s", n)
	}
}

// Connect opens the channel, refusing an expired session.
func (c *Client) Connect(ctx context.Context) error {
	if c.claims.Expired(time.Now()) {
		c.notify(Notice{Kind: NoticeTokenExpired, Message: "session expired"})
		return auth.ErrTokenExpired
	}
	return c.ch.Connect(ctx)
}

func (c *Client) onConnect() {
	err := c.ch.Emit(channel.EventFetchChatrooms, channel.FetchChatrooms{UserId: c.claims.UserId}, nil)
	if err != nil {
		c.log.Printf("fetch chatrooms: %v", err)
	}
}

func (c *Client) handleState(s channel.State) {
	c.mu.Lock()
	prev := c.lastState
	c.lastState = s
	c.mu.Unlock()

	if prev == channel.Connected && s == channel.Disconnected {
		c.notify(Notice{Kind: NoticeDisconnected, Message: "connection lost, reconnecting"})
	}
}

func (c *Client) handleChatrooms(p channel.ChatroomsFetched) {
	c.mu.Lock()
	c.chatrooms = p.Chatrooms
	c.mu.Unlock()
}

// Chatrooms returns the rooms the server last listed for the user.
func (c *Client) Chatrooms() []types.Chatroom {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.Chatroom(nil), c.chatrooms...)
}

func (c *Client) handleTokenNegative() {
	c.log.Println("server rejected session token")
	// handlers run on the read goroutine and must not block
	if r := c.Room(); r != nil {
		go c.leaveRoom(r)
	}
	c.notify(Notice{Kind: NoticeTokenExpired, Message: "session expired, sign in again"})
}

func (c *Client) handleUploadFailure(p audio.PendingUpload, err error) {
	c.notify(Notice{
		Kind:       NoticeUploadFailed,
		ChatroomId: p.Payload.ChatroomId,
		Message:    "voice message could not be delivered, record it again",
		Err:        err,
	})
}

// Room returns the active room or nil.
func (c *Client) Room() *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// JoinRoom tears down the active room and enters chatroomId. A failed
// initial load is reported as a notice; the room is usable regardless.
func (c *Client) JoinRoom(ctx context.Context, chatroomId int) (*Room, error) {
	c.leaveRoom(nil)

	select {
	case <-c.ctx.Done():
		return nil, channel.ErrClosed
	default:
	}

	r := newRoom(c, chatroomId, LoadSelection(c.settings))
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()

	if err := c.settings.Set(settings.KeyLastChatroom, strconv.Itoa(chatroomId)); err != nil {
		c.log.Printf("remember last chatroom: %v", err)
	}

	c.log.Printf("join room %d", chatroomId)
	r.start(ctx)
	return r, nil
}

// leaveRoom closes the active room. A non-nil only restricts this to that
// room, so a late leave cannot close its successor.
func (c *Client) leaveRoom(only *Room) {
	c.mu.Lock()
	r := c.room
	if r == nil || (only != nil && r != only) {
		c.mu.Unlock()
		return
	}
	c.room = nil
	c.mu.Unlock()

	r.Close()
}

// Close leaves the room, releases the capture device and closes the
// channel. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.leaveRoom(nil)
		c.cancel()
		c.removeHook()
		for _, s := range c.subs {
			s.Unsubscribe()
		}
		if cerr := c.recorder.Close(); cerr != nil {
			c.log.Printf("release capture device: %v", cerr)
		}
		err = c.ch.Close()
	})
	return err
}
