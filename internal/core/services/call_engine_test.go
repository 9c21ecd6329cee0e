package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/infrastructure/repositories/memory"
	"duocall/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

type testNode struct {
	engine     *CallEngine
	media      *fakeMediaSource
	transports *fakeTransportFactory
	metrics    *recordingMetrics
}

func testSignalingConfig() SignalingConfig {
	cfg := DefaultSignalingConfig()
	cfg.AnswerTimeout = 2 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	cfg.DiscoveryInterval = 10 * time.Millisecond
	cfg.CandidateFlushInterval = 10 * time.Millisecond
	cfg.WriteRetry = retry.Config{Enabled: false}
	return cfg
}

func newTestNode(t *testing.T, store *memory.MemoryCallRepository, user domain.UserID, tweak func(*CallEngineConfig, *testNode)) *testNode {
	t.Helper()
	node := &testNode{
		media:      &fakeMediaSource{},
		transports: &fakeTransportFactory{name: string(user)},
		metrics:    newRecordingMetrics(),
	}
	quality := DefaultQualityControllerConfig()
	quality.Interval = time.Hour

	cfg := CallEngineConfig{
		Self:        user,
		Device:      domain.DeviceInfo{Platform: "X11; Linux x86_64"},
		NetworkHint: domain.NetworkHint{Type: domain.NetworkWiFi},
		Signaling:   testSignalingConfig(),
		Quality:     quality,
	}
	if tweak != nil {
		tweak(&cfg, node)
	}

	engine, err := NewCallEngine(cfg, CallEngineDeps{
		Store:      store,
		Transports: node.transports,
		Media:      node.media,
		Metrics:    node.metrics,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	node.engine = engine
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return node
}

func connected(n *testNode) func() bool {
	return func() bool {
		info, ok := n.engine.Current()
		return ok && info.ConnectionState == domain.ConnectionStateConnected
	}
}

func idle(n *testNode) func() bool {
	return func() bool {
		_, ok := n.engine.Current()
		return !ok
	}
}

func TestBasicCall(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", nil)

	placed, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleInitiator, placed.Role)
	assert.Equal(t, domain.CallStatusRinging, placed.Status)

	rec, err := store.Get(ctx, placed.CallID)
	require.NoError(t, err)
	require.NotNil(t, rec.Offer, "the offer is written before Call returns")
	assert.Nil(t, rec.Answer)
	assert.Contains(t, rec.Offer.SDP, "useinbandfec=1")
	assert.Contains(t, rec.Offer.SDP, "usedtx=1")

	incoming, err := bob.engine.Incoming(ctx)
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, placed.CallID, incoming[0].ID)

	answered, err := bob.engine.Answer(ctx, placed.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleResponder, answered.Role)
	assert.Equal(t, domain.CallStatusActive, answered.Status)
	assert.Equal(t, domain.UserID("alice"), answered.Peer)

	require.Eventually(t, connected(alice), eventually, 10*time.Millisecond)
	require.Eventually(t, connected(bob), eventually, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := store.Get(ctx, placed.CallID)
		return err == nil && len(rec.InitiatorCandidates) > 0 && len(rec.ResponderCandidates) > 0
	}, eventually, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(alice.transports.last().Added()) > 0 && len(bob.transports.last().Added()) > 0
	}, eventually, 10*time.Millisecond)

	// Each side applied the other's candidate, never its own.
	assert.Contains(t, alice.transports.last().Added()[0].Candidate, "bob")
	assert.Contains(t, bob.transports.last().Added()[0].Candidate, "alice")

	rec, err = store.Get(ctx, placed.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, rec.Status)
	assert.Equal(t, domain.SDPTypeOffer, rec.Offer.Type)
	assert.Equal(t, domain.SDPTypeAnswer, rec.Answer.Type)

	require.NoError(t, alice.engine.Hangup(ctx, placed.CallID))

	rec, err = store.Get(ctx, placed.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	assert.Equal(t, domain.EndReasonHangup, rec.EndReason)
	assert.Equal(t, domain.RoleInitiator, rec.EndedBy)
	assert.NotNil(t, rec.EndedAt)

	require.Eventually(t, idle(bob), eventually, 10*time.Millisecond)
	assert.True(t, idle(alice)())
	assert.True(t, alice.transports.last().Closed())
	assert.True(t, bob.transports.last().Closed())
	assert.True(t, alice.media.last().Stopped())
	assert.True(t, bob.media.last().Stopped())

	_, err = store.Update(ctx, placed.CallID, domain.RecordUpdate{
		Writer:     domain.RoleResponder,
		Candidates: []domain.Candidate{cand("candidate:late")},
	})
	assert.ErrorIs(t, err, domain.ErrCallEnded)
}

func TestSimultaneousCallsConvergeOnOneRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", nil)

	var (
		wg                 sync.WaitGroup
		aliceInfo, bobInfo *domain.SessionInfo
		aliceErr, bobErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		aliceInfo, aliceErr = alice.engine.Call(ctx, "bob")
	}()
	go func() {
		defer wg.Done()
		bobInfo, bobErr = bob.engine.Call(ctx, "alice")
	}()
	wg.Wait()

	require.NoError(t, aliceErr)
	require.NoError(t, bobErr)
	assert.Equal(t, aliceInfo.CallID, bobInfo.CallID)
	assert.NotEqual(t, aliceInfo.Role, bobInfo.Role)

	var open int
	for _, user := range []domain.UserID{"alice", "bob"} {
		recs, err := store.Find(ctx, domain.CallFilter{
			User:     user,
			Role:     domain.RoleInitiator,
			Statuses: []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusActive},
		})
		require.NoError(t, err)
		open += len(recs)
	}
	assert.Equal(t, 1, open)

	require.Eventually(t, connected(alice), eventually, 10*time.Millisecond)
	require.Eventually(t, connected(bob), eventually, 10*time.Millisecond)
}

func TestCaptureOutlivesSetupRequests(t *testing.T) {
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", nil)

	callCtx, cancelCall := context.WithCancel(context.Background())
	placed, err := alice.engine.Call(callCtx, "bob")
	require.NoError(t, err)
	cancelCall()

	answerCtx, cancelAnswer := context.WithCancel(context.Background())
	_, err = bob.engine.Answer(answerCtx, placed.CallID)
	require.NoError(t, err)
	cancelAnswer()

	require.Eventually(t, connected(alice), eventually, 10*time.Millisecond)
	for _, node := range []*testNode{alice, bob} {
		capture := node.media.last()
		require.NotNil(t, capture)
		assert.NoError(t, capture.openCtx.Err(), "capture must not end with the request that set the call up")
		assert.False(t, capture.Stopped())
	}

	require.NoError(t, alice.engine.Hangup(context.Background(), placed.CallID))
	require.Eventually(t, idle(alice), eventually, 10*time.Millisecond)
	assert.Error(t, alice.media.last().openCtx.Err(), "the session ends the capture")
}

func TestCallAnswersPendingCallFromSamePeer(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", nil)

	placed, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)

	info, err := bob.engine.Call(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, placed.CallID, info.CallID)
	assert.Equal(t, domain.RoleResponder, info.Role)
}

func TestCallRejectedWhileBusy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	newTestNode(t, store, "bob", nil)
	carol := newTestNode(t, store, "carol", nil)

	_, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)

	_, err = alice.engine.Call(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrCallAlreadyActive)

	_, err = carol.engine.Call(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrSelfCall)
}

func TestCallAnswersRingingCallFromOtherUser(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	newTestNode(t, store, "bob", nil)
	carol := newTestNode(t, store, "carol", nil)
	dave := newTestNode(t, store, "dave", nil)

	placed, err := dave.engine.Call(ctx, "carol")
	require.NoError(t, err)

	info, err := carol.engine.Call(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, placed.CallID, info.CallID)
	assert.Equal(t, domain.RoleResponder, info.Role)
	assert.Equal(t, domain.UserID("dave"), info.Peer)

	recs, err := store.Find(ctx, domain.CallFilter{User: "carol", Role: domain.RoleInitiator})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSetupFailsWithoutVideoTrack(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", func(_ *CallEngineConfig, n *testNode) {
		n.media.noVideo = true
	})

	_, err := alice.engine.Call(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrMissingLocalTracks)

	_, ok := alice.engine.Current()
	assert.False(t, ok)

	recs, err := store.Find(ctx, domain.CallFilter{User: "alice", Role: domain.RoleInitiator})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.CallStatusEnded, recs[0].Status)
	assert.Equal(t, domain.EndReasonSetupFailed, recs[0].EndReason)
	assert.Nil(t, recs[0].Offer)
	assert.True(t, alice.media.last().Stopped())
}

func TestSetupFailsWhenDescriptionLacksVideo(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", func(_ *CallEngineConfig, n *testNode) {
		n.transports.omitVideoSDP = true
	})

	_, err := alice.engine.Call(ctx, "bob")
	require.ErrorIs(t, err, domain.ErrMissingMediaInDescription)
	assert.True(t, alice.transports.last().Closed())
}

func TestUnansweredCallTimesOut(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", func(cfg *CallEngineConfig, _ *testNode) {
		cfg.Signaling.AnswerTimeout = 100 * time.Millisecond
	})

	placed, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)

	require.Eventually(t, idle(alice), eventually, 10*time.Millisecond)
	rec, err := store.Get(ctx, placed.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	assert.Equal(t, domain.EndReasonTimeout, rec.EndReason)
}

func TestDeclineEndsCallerSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", nil)

	placed, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, bob.engine.Decline(ctx, placed.CallID))
	require.Eventually(t, idle(alice), eventually, 10*time.Millisecond)

	alice.metrics.mu.Lock()
	assert.Contains(t, alice.metrics.ended, domain.EndReasonDeclined)
	alice.metrics.mu.Unlock()

	assert.ErrorIs(t, bob.engine.Decline(ctx, placed.CallID), domain.ErrInvalidTransition)
	assert.ErrorIs(t, alice.engine.Decline(ctx, placed.CallID), domain.ErrNotParticipant)
}

func TestTransportFailureEndsCall(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", nil)

	placed, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)
	_, err = bob.engine.Answer(ctx, placed.CallID)
	require.NoError(t, err)
	require.Eventually(t, connected(alice), eventually, 10*time.Millisecond)

	alice.transports.last().emitState(domain.ConnectionStateFailed)

	require.Eventually(t, idle(alice), eventually, 10*time.Millisecond)
	require.Eventually(t, idle(bob), eventually, 10*time.Millisecond)
	rec, err := store.Get(ctx, placed.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.EndReasonTransportFailure, rec.EndReason)
}

func TestAutoAnswerDiscoversIncomingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", func(cfg *CallEngineConfig, _ *testNode) {
		cfg.Signaling.AutoAnswer = true
	})

	var (
		mu   sync.Mutex
		seen []domain.CallID
	)
	bob.engine.OnIncoming(func(rec *domain.CallRecord) {
		mu.Lock()
		seen = append(seen, rec.ID)
		mu.Unlock()
	})
	go bob.engine.WatchIncoming(ctx)

	placed, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)

	require.Eventually(t, connected(bob), eventually, 10*time.Millisecond)
	require.Eventually(t, connected(alice), eventually, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []domain.CallID{placed.CallID}, seen)
	mu.Unlock()
}

func TestMediaToggleAndLevelChange(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryCallRepository()
	alice := newTestNode(t, store, "alice", nil)
	bob := newTestNode(t, store, "bob", nil)

	placed, err := alice.engine.Call(ctx, "bob")
	require.NoError(t, err)
	_, err = bob.engine.Answer(ctx, placed.CallID)
	require.NoError(t, err)
	require.Eventually(t, connected(alice), eventually, 10*time.Millisecond)

	require.NoError(t, alice.engine.SetMediaEnabled(domain.MediaKindVideo, false))
	info, ok := alice.engine.Current()
	require.True(t, ok)
	assert.False(t, info.VideoEnabled)
	assert.True(t, info.AudioEnabled)

	require.NoError(t, alice.engine.SetMediaEnabled(domain.MediaKindVideo, true))
	info, _ = alice.engine.Current()
	assert.True(t, info.VideoEnabled)

	s := alice.engine.active()
	require.NotNil(t, s)
	require.NoError(t, s.applyLevel(ctx, LevelChange{From: domain.QualityHigh, To: domain.QualityAudioOnly}))

	transport := alice.transports.last()
	assert.False(t, transport.Encoding(domain.MediaKindVideo).Active)
	assert.Equal(t, 16000, transport.Encoding(domain.MediaKindAudio).MaxBitrateBps)
	assert.False(t, alice.media.last().video.Enabled(), "video stays attached but disabled at audio-only")
	audio, video := transport.HasOutboundTracks()
	assert.True(t, audio)
	assert.True(t, video)

	assert.Error(t, alice.engine.SetMediaEnabled("screen", true))
}
