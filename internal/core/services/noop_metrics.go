package services

import (
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
)

type noopMetrics struct{}

// NoopMetrics discards everything.
func NoopMetrics() ports.CallMetrics { return noopMetrics{} }

func (noopMetrics) CallStarted(domain.Role)                                         {}
func (noopMetrics) CallEnded(domain.EndReason, time.Duration)                       {}
func (noopMetrics) SetupCompleted(domain.Role, time.Duration)                       {}
func (noopMetrics) QualityChanged(domain.QualityLevel, domain.QualityLevel, string) {}
func (noopMetrics) ObserveSample(domain.NetworkSample)                              {}
func (noopMetrics) FramerateCapped(int)                                             {}
func (noopMetrics) BatteryUpdated(domain.BatteryStatus)                             {}
func (noopMetrics) CandidateHandled(string)                                         {}
