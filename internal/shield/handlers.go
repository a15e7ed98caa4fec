package shield

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/final10/savvyshield/internal/pagination"
	"github.com/final10/savvyshield/internal/validation"
)

// Handler provides HTTP endpoints for the shield pipeline.
type Handler struct {
	service *Service
	events  EventStore
	enfs    EnforcementStore
}

// NewHandler creates a new shield handler.
func NewHandler(service *Service, events EventStore, enfs EnforcementStore) *Handler {
	return &Handler{service: service, events: events, enfs: enfs}
}

// RegisterRoutes sets up the public ingest route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/shield/events", h.IngestEvent)
}

// RegisterAdminRoutes sets up the admin query and workflow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.ListEvents)
	r.GET("/events/:id", h.GetEvent)
	r.GET("/enforcements", h.ListEnforcements)
	r.GET("/enforcements/:id", h.GetEnforcement)
	r.POST("/enforcements/:id/review", h.ReviewEnforcement)
	r.POST("/enforcements/:id/override", h.OverrideEnforcement)
	r.POST("/enforcements/:id/complete", h.CompleteEnforcement)
	r.POST("/enforcements/:id/appeals", h.FileAppeal)
	r.POST("/enforcements/:id/appeals/:index/resolve", h.ResolveAppeal)
	r.GET("/users/:id/profile", h.UserProfile)
	r.POST("/users/:id/investigate", h.InvestigateUser)
}

// IngestEvent handles POST /v1/shield/events
func (h *Handler) IngestEvent(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("type", string(req.Type)),
		validation.Required("savvy_user_id", req.UserID),
		validation.Required("app", req.App),
		validation.Required("level", req.Level),
		validation.MaxLength("savvy_user_id", req.UserID, 128),
		validation.MaxLength("app", req.App, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ingest_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// ListEvents handles GET /v1/admin/events
func (h *Handler) ListEvents(c *gin.Context) {
	f := EventFilter{
		UserID:   c.Query("user"),
		App:      c.Query("app"),
		Type:     EventType(c.Query("type")),
		Status:   InvestigationStatus(c.Query("status")),
		MinScore: queryFloat(c, "min_score"),
		Since:    queryTime(c, "since"),
		Until:    queryTime(c, "until"),
		Limit:    queryLimit(c),
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Invalid cursor"})
		return
	}
	if cursor != nil {
		f.BeforeCreatedAt = cursor.CreatedAt
		f.BeforeID = cursor.ID
	}

	// Fetch one extra row to compute has_more.
	limit := f.Limit
	f.Limit = limit + 1
	events, err := h.events.ListEvents(c.Request.Context(), f)
	if err != nil {
		internalError(c, err)
		return
	}
	events, next, hasMore := pagination.ComputePage(events, limit, func(ev *Event) (time.Time, string) {
		return ev.CreatedAt, ev.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"count":       len(events),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// GetEvent handles GET /v1/admin/events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.events.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			notFound(c, "Event not found")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}

// ListEnforcements handles GET /v1/admin/enforcements
func (h *Handler) ListEnforcements(c *gin.Context) {
	f := EnforcementFilter{
		UserID: c.Query("user"),
		App:    c.Query("app"),
		Action: Action(c.Query("action")),
		Status: EnforcementStatus(c.Query("status")),
		Since:  queryTime(c, "since"),
		Until:  queryTime(c, "until"),
		Limit:  queryLimit(c),
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Invalid cursor"})
		return
	}
	if cursor != nil {
		f.BeforeCreatedAt = cursor.CreatedAt
		f.BeforeID = cursor.ID
	}

	limit := f.Limit
	f.Limit = limit + 1
	enfs, err := h.enfs.ListEnforcements(c.Request.Context(), f)
	if err != nil {
		internalError(c, err)
		return
	}
	enfs, next, hasMore := pagination.ComputePage(enfs, limit, func(e *Enforcement) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"enforcements": enfs,
		"count":        len(enfs),
		"next_cursor":  next,
		"has_more":     hasMore,
	})
}

// GetEnforcement handles GET /v1/admin/enforcements/:id
func (h *Handler) GetEnforcement(c *gin.Context) {
	e, err := h.enfs.GetEnforcement(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEnforcementNotFound) {
			notFound(c, "Enforcement not found")
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement": e})
}

// ReviewEnforcement handles POST /v1/admin/enforcements/:id/review
func (h *Handler) ReviewEnforcement(c *gin.Context) {
	var req struct {
		Decision ReviewDecision `json:"decision"`
		Reviewer string         `json:"reviewer"`
		Notes    string         `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("decision", string(req.Decision)),
		validation.Required("reviewer", req.Reviewer),
		validation.OneOf("decision", string(req.Decision),
			string(ReviewDecisionApprove), string(ReviewDecisionReject), string(ReviewDecisionEscalate)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": errs.Error(), "details": errs,
		})
		return
	}

	e, err := h.service.Review(c.Request.Context(), c.Param("id"), req.Decision, req.Reviewer, req.Notes)
	if err != nil {
		workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement": e})
}

// OverrideEnforcement handles POST /v1/admin/enforcements/:id/override
func (h *Handler) OverrideEnforcement(c *gin.Context) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("actor", req.Actor),
		validation.Required("reason", req.Reason),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": errs.Error(), "details": errs,
		})
		return
	}

	e, err := h.service.OverrideEnforcement(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement": e})
}

// CompleteEnforcement handles POST /v1/admin/enforcements/:id/complete
func (h *Handler) CompleteEnforcement(c *gin.Context) {
	var req struct {
		Actor  string `json:"actor"`
		Detail string `json:"detail"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	e, err := h.service.CompleteEnforcement(c.Request.Context(), c.Param("id"), req.Actor, req.Detail)
	if err != nil {
		workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement": e})
}

// FileAppeal handles POST /v1/admin/enforcements/:id/appeals
func (h *Handler) FileAppeal(c *gin.Context) {
	var req struct {
		Reason   string `json:"reason"`
		Evidence string `json:"evidence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(validation.Required("reason", req.Reason)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error", "message": errs.Error(), "details": errs,
		})
		return
	}

	e, err := h.service.FileAppeal(c.Request.Context(), c.Param("id"), req.Reason, req.Evidence)
	if err != nil {
		workflowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"enforcement": e})
}

// ResolveAppeal handles POST /v1/admin/enforcements/:id/appeals/:index/resolve
func (h *Handler) ResolveAppeal(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, "Invalid appeal index")
		return
	}
	var req struct {
		Accept   bool   `json:"accept"`
		Reviewer string `json:"reviewer"`
		Notes    string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	e, err := h.service.ResolveAppeal(c.Request.Context(), c.Param("id"), index, req.Accept, req.Reviewer, req.Notes)
	if err != nil {
		workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enforcement": e})
}

// UserProfile handles GET /v1/admin/users/:id/profile
func (h *Handler) UserProfile(c *gin.Context) {
	profile, err := h.service.UserProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

// InvestigateUser handles POST /v1/admin/users/:id/investigate
func (h *Handler) InvestigateUser(c *gin.Context) {
	if h.service.investigator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "investigation_unavailable",
			"message": "Investigation engine is not running",
		})
		return
	}
	var req struct {
		App   string `json:"app"`
		Level string `json:"level"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	h.service.investigator.InvestigateUser(c.Request.Context(), c.Param("id"), req.App, req.Level)
	c.JSON(http.StatusAccepted, gin.H{"status": "investigation_started"})
}

// --- helpers ---

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func queryFloat(c *gin.Context, key string) float64 {
	if v := c.Query(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

func queryTime(c *gin.Context, key string) time.Time {
	if v := c.Query(key); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": msg})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}

func workflowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEnforcementNotFound):
		notFound(c, "Enforcement not found")
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": err.Error()})
	default:
		internalError(c, err)
	}
}
