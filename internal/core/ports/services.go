package ports

import (
	"context"
	"time"

	"duocall/internal/core/domain"
)

// CallService is the call-control surface used by the HTTP handlers.
type CallService interface {
	Call(ctx context.Context, peer domain.UserID) (*domain.SessionInfo, error)
	Answer(ctx context.Context, id domain.CallID) (*domain.SessionInfo, error)
	Decline(ctx context.Context, id domain.CallID) error
	Hangup(ctx context.Context, id domain.CallID) error
	Current() (*domain.SessionInfo, bool)
	Incoming(ctx context.Context) ([]*domain.CallRecord, error)
	SetMediaEnabled(kind domain.MediaKind, enabled bool) error
}

type CallMetrics interface {
	CallStarted(role domain.Role)
	CallEnded(reason domain.EndReason, duration time.Duration)
	SetupCompleted(role domain.Role, elapsed time.Duration)
	QualityChanged(from, to domain.QualityLevel, cause string)
	ObserveSample(sample domain.NetworkSample)
	FramerateCapped(fps int)
	BatteryUpdated(status domain.BatteryStatus)
	CandidateHandled(result string)
}
