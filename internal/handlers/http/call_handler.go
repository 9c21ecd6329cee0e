package http

import (
	"net/http"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/core/services"
	"duocall/internal/infrastructure/media"
	"duocall/internal/infrastructure/middleware"
	"duocall/pkg/errors"
	"duocall/pkg/utils"
	"duocall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// QualityReporter is implemented by services.MetricsService.
type QualityReporter interface {
	Report() services.QualityReport
}

// InboundReporter is implemented by media.InboundMonitor.
type InboundReporter interface {
	Stats(kind domain.MediaKind) media.InboundStats
}

type CallHandler struct {
	calls   ports.CallService
	quality QualityReporter
	inbound InboundReporter
	self    domain.UserID
}

func NewCallHandler(calls ports.CallService, quality QualityReporter, self domain.UserID) *CallHandler {
	return &CallHandler{
		calls:   calls,
		quality: quality,
		self:    self,
	}
}

// SetInboundReporter adds received media counters to the quality response.
func (h *CallHandler) SetInboundReporter(r InboundReporter) {
	h.inbound = r
}

func (h *CallHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/calls", h.StartCall)
		api.GET("/calls/current", h.GetCurrentCall)
		api.GET("/calls/incoming", h.ListIncoming)
		api.POST("/calls/:id/answer", h.AnswerCall)
		api.POST("/calls/:id/decline", h.DeclineCall)
		api.DELETE("/calls/:id", h.HangupCall)
		api.PUT("/calls/current/media/:kind", h.SetMedia)

		api.GET("/quality", h.GetQuality)
	}
}

type StartCallRequest struct {
	PeerID string `json:"peer_id" binding:"required,max=128"`
}

type SetMediaRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.PeerID = utils.CleanIdentifier(req.PeerID, 0)
	if err := validation.ValidatePeer(string(h.self), req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	info, err := h.calls.Call(c.Request.Context(), domain.UserID(req.PeerID))
	if err != nil {
		c.Error(errors.FromDomainError(err).WithContext("peer_id", req.PeerID))
		return
	}
	c.Set(middleware.CallIDKey, string(info.CallID))

	c.JSON(http.StatusCreated, gin.H{
		"call": info,
	})
}

func (h *CallHandler) AnswerCall(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}

	info, err := h.calls.Answer(c.Request.Context(), id)
	if err != nil {
		c.Error(errors.FromDomainError(err).WithContext("call_id", id))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call": info,
	})
}

func (h *CallHandler) DeclineCall(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}

	if err := h.calls.Decline(c.Request.Context(), id); err != nil {
		c.Error(errors.FromDomainError(err).WithContext("call_id", id))
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *CallHandler) HangupCall(c *gin.Context) {
	id, ok := h.callID(c)
	if !ok {
		return
	}

	if err := h.calls.Hangup(c.Request.Context(), id); err != nil {
		c.Error(errors.FromDomainError(err).WithContext("call_id", id))
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *CallHandler) GetCurrentCall(c *gin.Context) {
	info, ok := h.calls.Current()
	if !ok {
		c.Error(errors.NewNotFoundError("active call"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call": info,
	})
}

func (h *CallHandler) ListIncoming(c *gin.Context) {
	records, err := h.calls.Incoming(c.Request.Context())
	if err != nil {
		c.Error(errors.FromDomainError(err))
		return
	}
	if records == nil {
		records = []*domain.CallRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": records,
		"count": len(records),
	})
}

func (h *CallHandler) SetMedia(c *gin.Context) {
	kind := domain.MediaKind(c.Param("kind"))
	if kind != domain.MediaKindAudio && kind != domain.MediaKindVideo {
		c.Error(errors.NewInvalidInputError("media kind must be audio or video"))
		return
	}

	var req SetMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if err := h.calls.SetMediaEnabled(kind, *req.Enabled); err != nil {
		c.Error(errors.FromDomainError(err))
		return
	}

	info, _ := h.calls.Current()
	c.JSON(http.StatusOK, gin.H{
		"call": info,
	})
}

func (h *CallHandler) GetQuality(c *gin.Context) {
	response := gin.H{
		"report": h.quality.Report(),
	}
	if info, ok := h.calls.Current(); ok {
		response["call"] = info
	}
	if h.inbound != nil {
		response["inbound"] = gin.H{
			"audio": h.inbound.Stats(domain.MediaKindAudio),
			"video": h.inbound.Stats(domain.MediaKindVideo),
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *CallHandler) callID(c *gin.Context) (domain.CallID, bool) {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.CallID(id), true
}
