package memory

import (
	"context"
	"testing"
	"time"

	"duocall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id string, from, to domain.UserID) *domain.CallRecord {
	return domain.NewCallRecord(domain.CallID(id), from, to, time.Now())
}

func offer() *domain.SessionDescription {
	return &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer"}
}

func answer() *domain.SessionDescription {
	return &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}
}

func TestCreateRejectsSecondOpenCallForPair(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRepository()

	require.NoError(t, repo.Create(ctx, newRecord("c1", "alice", "bob")))
	err := repo.Create(ctx, newRecord("c2", "bob", "alice"))
	assert.ErrorIs(t, err, domain.ErrCallConflict)

	_, err = repo.Update(ctx, "c1", domain.RecordUpdate{Writer: domain.RoleInitiator, Status: domain.CallStatusEnded})
	require.NoError(t, err)
	assert.NoError(t, repo.Create(ctx, newRecord("c2", "bob", "alice")))
}

func TestUpdateEnforcesRecordRules(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRepository()
	require.NoError(t, repo.Create(ctx, newRecord("c1", "alice", "bob")))

	_, err := repo.Update(ctx, "c1", domain.RecordUpdate{Writer: domain.RoleResponder, Description: answer()})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "answer before offer")

	_, err = repo.Update(ctx, "c1", domain.RecordUpdate{Writer: domain.RoleResponder, Description: offer()})
	assert.ErrorIs(t, err, domain.ErrDescriptionMismatch)

	rec, err := repo.Update(ctx, "c1", domain.RecordUpdate{Writer: domain.RoleInitiator, Description: offer()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	rec, err = repo.Update(ctx, "c1", domain.RecordUpdate{
		Writer:      domain.RoleResponder,
		Description: answer(),
		Status:      domain.CallStatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, rec.Status)
	assert.NotNil(t, rec.AnsweredAt)

	_, err = repo.Update(ctx, "c1", domain.RecordUpdate{Writer: domain.RoleInitiator, Status: domain.CallStatusEnded, EndReason: domain.EndReasonHangup})
	require.NoError(t, err)

	_, err = repo.Update(ctx, "c1", domain.RecordUpdate{
		Writer:     domain.RoleInitiator,
		Candidates: []domain.Candidate{{Candidate: "candidate:1"}},
	})
	assert.ErrorIs(t, err, domain.ErrCallEnded)

	_, err = repo.Update(ctx, "missing", domain.RecordUpdate{Writer: domain.RoleInitiator, Status: domain.CallStatusEnded})
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRepository()
	require.NoError(t, repo.Create(ctx, newRecord("c1", "alice", "bob")))

	rec, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	rec.Status = domain.CallStatusEnded

	again, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, again.Status)
}

func TestFindFiltersByRoleAndStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRepository()
	require.NoError(t, repo.Create(ctx, newRecord("c1", "alice", "bob")))
	require.NoError(t, repo.Create(ctx, newRecord("c2", "carol", "bob")))
	_, err := repo.Update(ctx, "c2", domain.RecordUpdate{Writer: domain.RoleInitiator, Description: offer()})
	require.NoError(t, err)

	incoming, err := repo.Find(ctx, domain.CallFilter{
		User:         "bob",
		Role:         domain.RoleResponder,
		Statuses:     []domain.CallStatus{domain.CallStatusRinging},
		RequireOffer: true,
	})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, domain.CallID("c2"), incoming[0].ID)

	outgoing, err := repo.Find(ctx, domain.CallFilter{User: "bob", Role: domain.RoleInitiator})
	require.NoError(t, err)
	assert.Empty(t, outgoing)
}

func TestSubscribeDeliversChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := NewMemoryCallRepository()
	require.NoError(t, repo.Create(ctx, newRecord("c1", "alice", "bob")))

	updates, err := repo.Subscribe(ctx, "c1")
	require.NoError(t, err)

	_, err = repo.Update(ctx, "c1", domain.RecordUpdate{Writer: domain.RoleInitiator, Description: offer()})
	require.NoError(t, err)

	select {
	case rec := <-updates:
		require.NotNil(t, rec.Offer)
		assert.Equal(t, int64(2), rec.Version)
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberSeesLatestVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := NewMemoryCallRepository()
	require.NoError(t, repo.Create(ctx, newRecord("c1", "alice", "bob")))

	updates, err := repo.Subscribe(ctx, "c1")
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer+5; i++ {
		_, err := repo.Update(ctx, "c1", domain.RecordUpdate{
			Writer:     domain.RoleInitiator,
			Candidates: []domain.Candidate{{Candidate: "candidate:" + string(rune('a'+i))}},
		})
		require.NoError(t, err)
	}

	var last *domain.CallRecord
	for len(updates) > 0 {
		last = <-updates
	}
	require.NotNil(t, last)
	assert.Len(t, last.InitiatorCandidates, subscriberBuffer+5)
}

func TestPurgeRemovesOldEndedRecords(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCallRepository()
	now := time.Now()
	repo.now = func() time.Time { return now }

	require.NoError(t, repo.Create(ctx, newRecord("c1", "alice", "bob")))
	require.NoError(t, repo.Create(ctx, newRecord("c2", "alice", "carol")))
	_, err := repo.Update(ctx, "c1", domain.RecordUpdate{Writer: domain.RoleInitiator, Status: domain.CallStatusEnded})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, repo.Purge(time.Hour))

	_, err = repo.Get(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
	_, err = repo.Get(ctx, "c2")
	assert.NoError(t, err)
}
