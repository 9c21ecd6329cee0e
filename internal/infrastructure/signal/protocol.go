package signal

import (
	"duocall/internal/core/domain"
	apperrors "duocall/pkg/errors"
)

// Request types sent by clients.
const (
	TypeCreate      = "create"
	TypeGet         = "get"
	TypeFind        = "find"
	TypeUpdate      = "update"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Message types sent by the server.
const (
	TypeResult = "result"
	TypeError  = "error"
	// TypeRecord carries a change notification for a subscription.
	TypeRecord = "record"
)

// Message is the single frame type in both directions. Requests carry an ID
// that the matching result or error echoes.
type Message struct {
	ID           string               `json:"id,omitempty"`
	Type         string               `json:"type"`
	CallID       domain.CallID        `json:"call_id,omitempty"`
	Subscription string               `json:"subscription,omitempty"`
	Record       *domain.CallRecord   `json:"record,omitempty"`
	Records      []*domain.CallRecord `json:"records,omitempty"`
	Filter       *domain.CallFilter   `json:"filter,omitempty"`
	Update       *domain.RecordUpdate `json:"update,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func errorMessage(id string, err error) Message {
	appErr := apperrors.FromDomainError(err)
	return Message{
		ID:   id,
		Type: TypeError,
		Error: &ErrorPayload{
			Code:    appErr.Code,
			Message: appErr.Message,
		},
	}
}

func (p *ErrorPayload) Err() error {
	return apperrors.ToDomainError(p.Code, p.Message)
}
