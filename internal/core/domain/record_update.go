package domain

import (
	"fmt"
	"time"
)

// RecordUpdate is a field-group write issued by one participant. Which
// description and candidate list it touches follows from Writer.
type RecordUpdate struct {
	Writer      Role                `json:"writer"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidates  []Candidate         `json:"candidates,omitempty"`
	Status      CallStatus          `json:"status,omitempty"`
	EndReason   EndReason           `json:"end_reason,omitempty"`
}

func (u RecordUpdate) Empty() bool {
	return u.Description == nil && len(u.Candidates) == 0 && u.Status == ""
}

// Validate checks u against the current record without mutating it.
func (r *CallRecord) Validate(u RecordUpdate) error {
	if !u.Writer.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrWrongWriter, u.Writer)
	}
	if r.Status == CallStatusEnded {
		return ErrCallEnded
	}

	if d := u.Description; d != nil {
		if d.Type != u.Writer.DescriptionType() {
			return fmt.Errorf("%w: %s cannot write %s", ErrDescriptionMismatch, u.Writer, d.Type)
		}
		if r.DescriptionOf(u.Writer) != nil {
			return fmt.Errorf("%w: %s already set", ErrInvalidTransition, d.Type)
		}
		if u.Writer == RoleResponder && r.Offer == nil {
			return fmt.Errorf("%w: answer before offer", ErrInvalidTransition)
		}
	}

	switch u.Status {
	case "":
	case CallStatusActive:
		if u.Writer != RoleResponder {
			return fmt.Errorf("%w: only the responder activates a call", ErrWrongWriter)
		}
		if r.Answer == nil && u.Description == nil {
			return fmt.Errorf("%w: active before answer", ErrInvalidTransition)
		}
	case CallStatusEnded:
	default:
		return fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, u.Status)
	}
	return nil
}

// Apply validates and applies u. Duplicate candidates are dropped so that
// retried writes stay idempotent.
func (r *CallRecord) Apply(u RecordUpdate, now time.Time) error {
	if err := r.Validate(u); err != nil {
		return err
	}

	if d := u.Description; d != nil {
		desc := *d
		if u.Writer == RoleInitiator {
			r.Offer = &desc
		} else {
			r.Answer = &desc
		}
	}

	if len(u.Candidates) > 0 {
		own := r.CandidatesOf(u.Writer)
		seen := make(map[string]struct{}, len(own))
		for _, c := range own {
			seen[c.Key()] = struct{}{}
		}
		for _, c := range u.Candidates {
			if _, dup := seen[c.Key()]; dup {
				continue
			}
			seen[c.Key()] = struct{}{}
			own = append(own, c)
		}
		if u.Writer == RoleInitiator {
			r.InitiatorCandidates = own
		} else {
			r.ResponderCandidates = own
		}
	}

	switch u.Status {
	case CallStatusActive:
		if r.Status != CallStatusActive {
			r.Status = CallStatusActive
			t := now
			r.AnsweredAt = &t
		}
	case CallStatusEnded:
		r.Status = CallStatusEnded
		t := now
		r.EndedAt = &t
		r.EndedBy = u.Writer
		r.EndReason = u.EndReason
		if r.EndReason == "" {
			r.EndReason = EndReasonHangup
		}
	}

	r.UpdatedAt = now
	r.Version++
	return nil
}
