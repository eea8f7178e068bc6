package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query/auth"
	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
)

type recorder struct {
	mu       sync.Mutex
	prefixes []query.Key
}

func (r *recorder) Invalidate(prefix query.Key) (*query.Refresh, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefix)
	return nil, nil
}

func (r *recorder) seen() []query.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]query.Key(nil), r.prefixes...)
}

func testRouter() *Router {
	router := NewRouter()
	router.Handle("message.created", Prefixes(WithParent("conversations"), Static(query.K("conversations"))))
	router.Handle("application.updated", Prefixes(WithParent("job-applications")))
	router.HandleResource("jobs", Prefixes(Static(query.K("jobs"))))
	return router
}

func TestRouter(t *testing.T) {
	router := testRouter()

	for _, tc := range []struct {
		name  string
		event Event
		want  []query.Key
	}{
		{
			name:  "message created",
			event: Event{Type: "message.created", Resource: "messages", ID: 9, ParentID: 3},
			want:  []query.Key{query.K("conversations", 3), query.K("conversations")},
		},
		{
			name:  "message without parent",
			event: Event{Type: "message.created", Resource: "messages"},
			want:  []query.Key{query.K("conversations")},
		},
		{
			name:  "application updated",
			event: Event{Type: "application.updated", ParentID: "j1"},
			want:  []query.Key{query.K("job-applications", "j1")},
		},
		{
			name:  "resource fallback",
			event: Event{Type: "job.closed", Resource: "jobs", ID: 4},
			want:  []query.Key{query.K("jobs")},
		},
		{
			name:  "unknown",
			event: Event{Type: "invoice.paid", Resource: "invoices"},
			want:  nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, router.Route(tc.event))
		})
	}

	assert.Equal(t, query.K("profile", 5), WithID("profile")(Event{ID: 5}))
	assert.Nil(t, WithID("profile")(Event{}))
}

type eventServer struct {
	*httptest.Server
	conns  atomic.Int32
	auth   atomic.Value
	frames chan string
	// dropAfterFirst closes the first connection after one frame.
	dropAfterFirst bool
}

func newEventServer(t *testing.T, dropAfterFirst bool) *eventServer {
	t.Helper()

	s := &eventServer{frames: make(chan string, 16), dropAfterFirst: dropAfterFirst}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth.Store(r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := s.conns.Add(1)

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					_ = conn.Close()
					return
				}
			}
		}()

		for frame := range s.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
			if s.dropAfterFirst && n == 1 {
				return
			}
		}
	}))
	t.Cleanup(func() {
		close(s.frames)
		s.Close()
	})
	return s
}

func (s *eventServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func newListener(t *testing.T, url string, inv Invalidator, opts ...Option) *Listener {
	t.Helper()

	l, err := NewListener(context.Background(), &types.RealtimeConfig{
		Enabled:               true,
		URL:                   url,
		ReconnectDelay:        10 * time.Millisecond,
		MaxReconnectDelay:     50 * time.Millisecond,
		PingInterval:          20 * time.Millisecond,
		PongWait:              time.Second,
		WriteWait:             time.Second,
		InvalidateOnReconnect: true,
	}, testRouter(), inv, logger.NewNop(), nil, opts...)
	require.NoError(t, err)
	return l
}

func TestListenerInvalidatesFromStream(t *testing.T) {
	srv := newEventServer(t, false)
	rec := &recorder{}

	l := newListener(t, srv.wsURL(), rec, WithTokenSource(auth.StaticToken("tok")))
	require.NoError(t, l.Start())
	defer func() { require.NoError(t, l.Stop()) }()

	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Bearer tok", srv.auth.Load())

	srv.frames <- `not json`
	srv.frames <- `{"type":"application.updated","resource":"applications","id":1,"parentId":42}`

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "job-applications", rec.seen()[0][0])
	assert.EqualValues(t, 42, rec.seen()[0][1])

	stats := l.Stats()
	assert.True(t, stats.Connected)
	assert.EqualValues(t, 1, stats.Connects)
	assert.EqualValues(t, 1, stats.Invalidations)
	assert.EqualValues(t, 1, stats.Dropped)
}

func TestListenerReconnects(t *testing.T) {
	srv := newEventServer(t, true)
	rec := &recorder{}

	l := newListener(t, srv.wsURL(), rec)
	require.NoError(t, l.Start())
	defer func() { require.NoError(t, l.Stop()) }()

	require.Eventually(t, l.Connected, 2*time.Second, 5*time.Millisecond)
	srv.frames <- `{"type":"message.created","resource":"messages","id":1,"parentId":7}`

	require.Eventually(t, func() bool { return srv.conns.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.seen()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	seen := rec.seen()
	assert.Equal(t, "conversations", seen[0][0])
	assert.Equal(t, query.K("conversations"), seen[1])
	assert.Empty(t, seen[2], "reconnect marks everything stale")
	assert.GreaterOrEqual(t, l.Stats().Connects, int64(2))
}

func TestListenerStopsWhileOffline(t *testing.T) {
	l := newListener(t, "ws://127.0.0.1:1/events", &recorder{})
	require.NoError(t, l.Start())
	assert.ErrorIs(t, l.Start(), types.ErrServiceIsRunning)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, l.Connected())

	start := time.Now()
	require.NoError(t, l.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, l.Stop(), types.ErrServiceIsNotRunning)
}

func TestNewListenerValidation(t *testing.T) {
	_, err := NewListener(context.Background(), &types.RealtimeConfig{}, NewRouter(), &recorder{}, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrRealtimeIsDisabled)

	_, err = NewListener(context.Background(), &types.RealtimeConfig{Enabled: true}, NewRouter(), &recorder{}, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = NewListener(context.Background(), &types.RealtimeConfig{Enabled: true, URL: "ws://x"}, nil, &recorder{}, logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestDispatch(t *testing.T) {
	rec := &recorder{}
	l := newListener(t, "ws://unused", rec)

	assert.Equal(t, 2, l.Dispatch(Event{Type: "message.created", ParentID: "c1"}))
	assert.Equal(t, 0, l.Dispatch(Event{Type: "unknown"}))
	assert.Equal(t, []query.Key{query.K("conversations", "c1"), query.K("conversations")}, rec.seen())
}
