package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/infrastructure/repositories/memory"
	apperrors "duocall/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T, cfg ServerConfig) (*RecordServer, string) {
	t.Helper()
	server := NewRecordServer(memory.NewMemoryCallRepository(), cfg, zap.NewNop().Sugar())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	mux.HandleFunc("/health", server.HealthCheck)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newClient(t *testing.T, url string) *RemoteStore {
	t.Helper()
	store := NewRemoteStore(url, zap.NewNop().Sugar())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRemoteStoreRoundTrip(t *testing.T) {
	_, url := startServer(t, DefaultServerConfig())
	alice := newClient(t, url)
	bob := newClient(t, url)
	ctx := context.Background()

	rec := domain.NewCallRecord("c1", "alice", "bob", time.Now())
	require.NoError(t, alice.Create(ctx, rec))

	err := bob.Create(ctx, domain.NewCallRecord("c2", "bob", "alice", time.Now()))
	assert.ErrorIs(t, err, domain.ErrCallConflict, "sentinels survive the wire")

	updated, err := alice.Update(ctx, "c1", domain.RecordUpdate{
		Writer:      domain.RoleInitiator,
		Description: &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	incoming, err := bob.Find(ctx, domain.CallFilter{
		User:         "bob",
		Role:         domain.RoleResponder,
		Statuses:     []domain.CallStatus{domain.CallStatusRinging},
		RequireOffer: true,
	})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "v=0", incoming[0].Offer.SDP)

	_, err = bob.Update(ctx, "c1", domain.RecordUpdate{
		Writer:      domain.RoleResponder,
		Description: &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0"},
	})
	assert.ErrorIs(t, err, domain.ErrDescriptionMismatch)

	_, err = bob.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestRemoteStoreSubscription(t *testing.T) {
	_, url := startServer(t, DefaultServerConfig())
	alice := newClient(t, url)
	bob := newClient(t, url)
	ctx := context.Background()

	require.NoError(t, alice.Create(ctx, domain.NewCallRecord("c1", "alice", "bob", time.Now())))

	subCtx, cancel := context.WithCancel(ctx)
	updates, err := alice.Subscribe(subCtx, "c1")
	require.NoError(t, err)

	_, err = bob.Update(ctx, "c1", domain.RecordUpdate{
		Writer:     domain.RoleResponder,
		Candidates: []domain.Candidate{{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host"}},
	})
	require.NoError(t, err)

	select {
	case rec := <-updates:
		require.Len(t, rec.ResponderCandidates, 1)
		assert.Equal(t, int64(2), rec.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, 2*time.Second, 10*time.Millisecond)

	_, err = alice.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestRecordServerRejectsBadRequests(t *testing.T) {
	_, url := startServer(t, ServerConfig{MessagesPerSecond: 1, Burst: 3})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(msg Message) Message {
		require.NoError(t, conn.WriteJSON(msg))
		var resp Message
		require.NoError(t, conn.ReadJSON(&resp))
		return resp
	}

	resp := send(Message{ID: "1", Type: "teleport"})
	assert.Equal(t, TypeError, resp.Type)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Error.Code)

	resp = send(Message{ID: "2", Type: TypeFind, Filter: &domain.CallFilter{User: "bob"}})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Error.Code, "role is required")

	resp = send(Message{ID: "3", Type: TypeCreate})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, resp.Error.Code)

	resp = send(Message{ID: "4", Type: TypeGet, CallID: "c1"})
	assert.Equal(t, apperrors.ErrCodeRateLimit, resp.Error.Code, "burst exhausted")
}

func TestRecordServerHealth(t *testing.T) {
	server, url := startServer(t, DefaultServerConfig())
	client := newClient(t, url)
	require.NoError(t, client.HealthCheck(context.Background()))

	assert.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	server.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connections":1`)
}

func TestRecordServerAdmission(t *testing.T) {
	server, url := startServer(t, DefaultServerConfig())
	server.SetAdmission(func(*http.Request) bool { return false })

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRemoteStoreDeliverKeepsNewestWhenFull(t *testing.T) {
	store := NewRemoteStore("ws://unused", zap.NewNop().Sugar())
	ch := make(chan *domain.CallRecord, 2)
	store.subs["sub"] = ch

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 5; i++ {
			store.deliver(Message{
				Type:         TypeRecord,
				Subscription: "sub",
				Record:       &domain.CallRecord{ID: domain.CallID(fmt.Sprintf("c-%d", i))},
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a full subscription")
	}

	require.Len(t, ch, 2)
	assert.Equal(t, domain.CallID("c-4"), (<-ch).ID)
	assert.Equal(t, domain.CallID("c-5"), (<-ch).ID)

	store.deliver(Message{Type: TypeRecord, Subscription: "missing", Record: &domain.CallRecord{ID: "c-6"}})
	assert.Empty(t, ch)
}
