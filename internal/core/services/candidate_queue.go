package services

import (
	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"go.uber.org/zap"
)

const (
	candidateApplied = "applied"
	candidateQueued  = "queued"
	candidateSkipped = "skipped"
)

// candidateQueue feeds remote candidates into the transport. Candidates seen
// before the remote description is set are held back and replayed once it
// is. It is owned by the session loop and is not safe for concurrent use.
type candidateQueue struct {
	transport ports.PeerTransport
	metrics   ports.CallMetrics
	logger    *zap.SugaredLogger

	seen    map[string]struct{}
	pending []domain.Candidate
	ready   bool
}

func newCandidateQueue(transport ports.PeerTransport, metrics ports.CallMetrics, logger *zap.SugaredLogger) *candidateQueue {
	return &candidateQueue{
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// Push offers the remote candidate list. The list may be the full list seen
// so far; already handled entries are ignored.
func (q *candidateQueue) Push(candidates []domain.Candidate) {
	for _, c := range candidates {
		key := c.Key()
		if _, dup := q.seen[key]; dup {
			continue
		}
		q.seen[key] = struct{}{}

		if !q.ready {
			q.pending = append(q.pending, c)
			q.metrics.CandidateHandled(candidateQueued)
			continue
		}
		q.apply(c)
	}
}

// MarkReady replays everything held back. Later pushes apply directly.
func (q *candidateQueue) MarkReady() {
	if q.ready {
		return
	}
	q.ready = true
	pending := q.pending
	q.pending = nil
	if len(pending) > 0 {
		q.logger.Debugw("replaying queued candidates", "count", len(pending))
	}
	for _, c := range pending {
		q.apply(c)
	}
}

func (q *candidateQueue) Pending() int {
	return len(q.pending)
}

func (q *candidateQueue) Seen() int {
	return len(q.seen)
}

func (q *candidateQueue) apply(c domain.Candidate) {
	if err := q.transport.AddICECandidate(c); err != nil {
		q.logger.Warnw("skipping remote candidate",
			"candidate", c.Candidate,
			"error", err,
		)
		q.metrics.CandidateHandled(candidateSkipped)
		return
	}
	q.metrics.CandidateHandled(candidateApplied)
}
