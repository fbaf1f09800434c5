package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-livechat/internal/audio"
	"github.com/npezzotti/go-livechat/internal/config"
	"github.com/npezzotti/go-livechat/internal/testutil"
	"github.com/npezzotti/go-livechat/internal/types"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
	userId  = 7
)

// fakeAPI serves the message endpoints. Translations are synthesized as
// "[lang] original".
type fakeAPI struct {
	*httptest.Server

	mu       sync.Mutex
	messages []types.Message
	failAll  bool
	paths    []string
}

func newFakeAPI(t *testing.T, msgs ...types.Message) *fakeAPI {
	f := &fakeAPI{messages: msgs}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) setFailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

func (f *fakeAPI) requested(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if strings.HasPrefix(p, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	msgs := append([]types.Message(nil), f.messages...)
	failAll := f.failAll
	f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch parts[0] {
	case "all-messages":
		if failAll {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"message": "database unavailable"})
			return
		}
		json.NewEncoder(w).Encode(map[string][]types.Message{"messages": msgs})
	case "get-messages-on-demand":
		// chatroom/single/first/second/split/ids
		keys := []string{parts[2]}
		if parts[5] == "true" {
			keys = []string{parts[3], parts[4]}
		}
		want := make(map[string]bool)
		for _, id := range strings.Split(parts[6], ",") {
			want[id] = true
		}
		var out []types.Message
		for _, m := range msgs {
			if want[string(m.Id)] {
				out = append(out, translated(m, keys...))
			}
		}
		json.NewEncoder(w).Encode(map[string][]types.Message{"messages": out})
	case "translate":
		var req struct {
			Text   string `json:"text"`
			Target string `json:"target_language"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]string{"translated_text": "[" + req.Target + "] " + req.Text})
	default:
		http.NotFound(w, r)
	}
}

func translated(m types.Message, keys ...string) types.Message {
	m = m.Clone()
	if m.Translations == nil {
		m.Translations = make(map[string]string)
	}
	for _, k := range keys {
		if k != types.RawLanguage {
			m.Translations[k] = "[" + k + "] " + m.OriginalText
		}
	}
	return m
}

func message(id, text string) types.Message {
	return types.Message{
		Id:           types.MessageID(id),
		ChatroomId:   1,
		UserId:       9,
		Username:     "bob",
		ContentType:  types.ContentText,
		OriginalText: text,
	}
}

func testConfig(t *testing.T, api *fakeAPI, cs *testutil.ChannelServer) *config.Config {
	t.Helper()
	token := testutil.SessionToken(t, userId, "alice", time.Now().Add(time.Hour))
	cfg, err := config.NewConfig(api.URL, cs.URL(), token)
	require.NoError(t, err, "expected valid config")

	cfg.ReconnectDelay = config.Duration(20 * time.Millisecond)
	cfg.AckTimeout = config.Duration(200 * time.Millisecond)
	cfg.UploadRetries = 2
	cfg.UploadRetryDelay = config.Duration(20 * time.Millisecond)
	cfg.CaptionGrace = config.Duration(50 * time.Millisecond)
	cfg.InterimInterval = config.Duration(10 * time.Millisecond)
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config, opts Options) *Client {
	t.Helper()
	c, err := NewClient(cfg, opts, testutil.TestLogger(t))
	require.NoError(t, err, "expected client to be created")
	t.Cleanup(func() { c.Close() })
	return c
}

// connectedClient returns a client that is connected and has drained its
// initial fetch_chatrooms frame.
func connectedClient(t *testing.T, api *fakeAPI, cs *testutil.ChannelServer, opts Options) *Client {
	t.Helper()
	c := newTestClient(t, testConfig(t, api, cs), opts)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Connect(ctx), "expected client to connect")
	cs.Expect(t, "fetch_chatrooms", waitFor)
	return c
}

func joinedRoom(t *testing.T, c *Client, cs *testutil.ChannelServer, chatroomId int) *Room {
	t.Helper()
	r, err := c.JoinRoom(context.Background(), chatroomId)
	require.NoError(t, err, "expected room to be joined")
	cs.Expect(t, "join_room", waitFor)
	return r
}

func expectNotice(t *testing.T, c *Client, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case n := <-c.Notices():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notice", kind)
			return Notice{}
		}
	}
}

// toneDevice produces a steady stream of non-silent samples.
type toneDevice struct {
	openErr error

	mu      sync.Mutex
	streams []*toneStream
}

func (d *toneDevice) Format() audio.Format { return audio.DefaultFormat }

func (d *toneDevice) Open(ctx context.Context) (audio.Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	s := &toneStream{closed: make(chan struct{})}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// allClosed reports whether every opened stream was closed.
func (d *toneDevice) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.streams {
		select {
		case <-s.closed:
		default:
			return false
		}
	}
	return len(d.streams) > 0
}

type toneStream struct {
	once   sync.Once
	closed chan struct{}
}

func (s *toneStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	case <-time.After(time.Millisecond):
	}
	n := min(len(p), 64)
	for i := range p[:n] {
		p[i] = 1
	}
	return n, nil
}

func (s *toneStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
