package domain

import "time"

type CallID string
type UserID string

// Role is fixed per participant for the lifetime of a record.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Opposite returns the role of the remote participant.
func (r Role) Opposite() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// CreatesOffer reports whether the role produces its local description
// without waiting for a remote one.
func (r Role) CreatesOffer() bool {
	return r == RoleInitiator
}

// StatusAfterDescription is the status a role moves the record to when it
// publishes its local description. Empty means unchanged.
func (r Role) StatusAfterDescription() CallStatus {
	if r == RoleResponder {
		return CallStatusActive
	}
	return ""
}

// DescriptionType is the kind of session description the role writes.
func (r Role) DescriptionType() SDPType {
	if r == RoleInitiator {
		return SDPTypeOffer
	}
	return SDPTypeAnswer
}

type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

func (s CallStatus) Open() bool {
	return s == CallStatusRinging || s == CallStatusActive
}

type EndReason string

const (
	EndReasonHangup           EndReason = "hangup"
	EndReasonDeclined         EndReason = "declined"
	EndReasonTimeout          EndReason = "timeout"
	EndReasonTransportFailure EndReason = "transport_failure"
	EndReasonSetupFailed      EndReason = "setup_failed"
	EndReasonSuperseded       EndReason = "superseded"
)

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate mirrors the JSON form of an ICE candidate init.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate detection.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	return mid + "|" + c.Candidate
}

type CallRecord struct {
	ID                  CallID              `json:"id"`
	Initiator           UserID              `json:"initiator"`
	Responder           UserID              `json:"responder"`
	Status              CallStatus          `json:"status"`
	Offer               *SessionDescription `json:"offer,omitempty"`
	Answer              *SessionDescription `json:"answer,omitempty"`
	InitiatorCandidates []Candidate         `json:"initiator_candidates"`
	ResponderCandidates []Candidate         `json:"responder_candidates"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	AnsweredAt          *time.Time          `json:"answered_at,omitempty"`
	EndedAt             *time.Time          `json:"ended_at,omitempty"`
	EndReason           EndReason           `json:"end_reason,omitempty"`
	EndedBy             Role                `json:"ended_by,omitempty"`
	Version             int64               `json:"version"`
}

func NewCallRecord(id CallID, initiator, responder UserID, now time.Time) *CallRecord {
	return &CallRecord{
		ID:                  id,
		Initiator:           initiator,
		Responder:           responder,
		Status:              CallStatusRinging,
		InitiatorCandidates: []Candidate{},
		ResponderCandidates: []Candidate{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// PairKey identifies the unordered pair of users the call links.
func (r *CallRecord) PairKey() string {
	a, b := r.Initiator, r.Responder
	if a > b {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// Participant returns the user holding role.
func (r *CallRecord) Participant(role Role) UserID {
	if role == RoleInitiator {
		return r.Initiator
	}
	return r.Responder
}

// RoleOf returns the role user plays in the record.
func (r *CallRecord) RoleOf(user UserID) (Role, bool) {
	switch user {
	case r.Initiator:
		return RoleInitiator, true
	case r.Responder:
		return RoleResponder, true
	}
	return "", false
}

// DescriptionOf returns the description written by role.
func (r *CallRecord) DescriptionOf(role Role) *SessionDescription {
	if role == RoleInitiator {
		return r.Offer
	}
	return r.Answer
}

// CandidatesOf returns the candidate list owned (written) by role.
func (r *CallRecord) CandidatesOf(role Role) []Candidate {
	if role == RoleInitiator {
		return r.InitiatorCandidates
	}
	return r.ResponderCandidates
}

func (r *CallRecord) Duration() time.Duration {
	if r.AnsweredAt == nil {
		return 0
	}
	end := time.Now()
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	return end.Sub(*r.AnsweredAt)
}

func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	c.InitiatorCandidates = append([]Candidate{}, r.InitiatorCandidates...)
	c.ResponderCandidates = append([]Candidate{}, r.ResponderCandidates...)
	if r.AnsweredAt != nil {
		t := *r.AnsweredAt
		c.AnsweredAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CallFilter selects records for one participant acting in one role.
type CallFilter struct {
	User         UserID
	Role         Role
	Statuses     []CallStatus
	RequireOffer bool
}

func (f CallFilter) Matches(r *CallRecord) bool {
	if r.Participant(f.Role) != f.User {
		return false
	}
	if f.RequireOffer && r.Offer == nil {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
