package domain

import "errors"

var (
	ErrCallNotFound        = errors.New("call not found")
	ErrCallConflict        = errors.New("an open call already exists between these participants")
	ErrCallEnded           = errors.New("call has ended")
	ErrCallAlreadyActive   = errors.New("a call is already in progress")
	ErrInvalidTransition   = errors.New("invalid call record transition")
	ErrWrongWriter         = errors.New("field not writable by this role")
	ErrDescriptionMismatch = errors.New("session description type does not match role")
	ErrSelfCall            = errors.New("cannot call yourself")
	ErrNotParticipant      = errors.New("user is not a participant of this call")
	ErrAnswerTimeout       = errors.New("no answer received before timeout")

	// Fatal to the call being set up.
	ErrMissingLocalTracks        = errors.New("local transport has no outbound audio and video tracks")
	ErrMissingMediaInDescription = errors.New("session description does not reference both audio and video")

	ErrInvalidProfileTable = errors.New("invalid quality profile table")
	ErrBatteryUnavailable  = errors.New("battery source unavailable")
	ErrStatsUnavailable    = errors.New("transport statistics unavailable")
	ErrTransportClosed     = errors.New("transport closed")
)
