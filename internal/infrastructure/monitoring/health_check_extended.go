package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duocall/internal/core/domain"
)

var errCheckFailed = errors.New("check failed")

// HealthProber is satisfied by ports.ManagedStore.
type HealthProber interface {
	HealthCheck(ctx context.Context) error
}

// SessionSource is satisfied by ports.CallService.
type SessionSource interface {
	Current() (*domain.SessionInfo, bool)
}

// AddStoreCheck checks that the call record store answers.
func (h *HealthChecker) AddStoreCheck(store HealthProber, interval, timeout time.Duration) {
	h.AddCheck("store", func(ctx context.Context) (bool, error) {
		if err := store.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddSessionCheck fails while the active session has lost its transport.
func (h *HealthChecker) AddSessionCheck(calls SessionSource, interval, timeout time.Duration) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		info, ok := calls.Current()
		if !ok {
			return true, nil
		}
		if info.ConnectionState == domain.ConnectionStateFailed {
			return false, fmt.Errorf("call %s: transport failed", info.CallID)
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Healthy()
}
