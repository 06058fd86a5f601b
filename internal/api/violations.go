// violations.go implements the violation lifecycle endpoints. Handlers
// validate the request shape; the lifecycle rules themselves live in the
// violation engine, which also self-audits every successful mutation.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/compliance-backend/internal/middleware"
	"github.com/tradeforge/compliance-backend/internal/violation"
)

// ViolationHandlers handles violation lifecycle endpoints
type ViolationHandlers struct {
	engine *violation.Engine
}

// NewViolationHandlers creates a new ViolationHandlers instance
func NewViolationHandlers(engine *violation.Engine) *ViolationHandlers {
	return &ViolationHandlers{engine: engine}
}

// requestActor identifies the authenticated caller for the self-audit trail.
func requestActor(c *gin.Context) violation.Actor {
	id, actorType := middleware.ActorFromContext(c)
	return violation.Actor{ID: id, Type: actorType}
}

// createViolationRequest is a violation draft plus its initial evidence.
type createViolationRequest struct {
	violation.Draft
	EvidenceRecordIDs []string `json:"evidence_record_ids"`
}

// @Summary      Create violation
// @Description  Opens a new violation in status open after resolving every evidence reference. Requires violations:write scope.
// @Tags         Violations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  violation.Violation
// @Failure      400  {object}  map[string]interface{}  "Validation failure"
// @Failure      422  {object}  map[string]interface{}  "Evidence references an unknown audit record"
// @Router       /internal/v1/violations [post]
// CreateHandler opens a new violation
// POST /internal/v1/violations
func (h *ViolationHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createViolationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		if req.Title == "" {
			badRequest(c, "title is required")
			return
		}
		if req.ViolationType == "" {
			badRequest(c, "violation_type is required")
			return
		}
		if !req.Severity.Valid() {
			badRequest(c, "unknown severity: "+string(req.Severity))
			return
		}
		if !req.ImpactLevel.Valid() {
			badRequest(c, "unknown impact_level: "+string(req.ImpactLevel))
			return
		}

		v, err := h.engine.Create(c.Request.Context(), req.Draft, req.EvidenceRecordIDs, requestActor(c))
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, v)
	}
}

// @Summary      List violations
// @Description  Returns filtered violations, newest first. Requires violations:read scope.
// @Tags         Violations
// @Security     Bearer
// @Produce      json
// @Param        status          query  string  false  "Status filter"
// @Param        severity        query  string  false  "Severity filter"
// @Param        violation_type  query  string  false  "Violation type filter"
// @Param        assigned_to     query  string  false  "Assignee filter"
// @Param        page            query  int     false  "Page number (default 1)"
// @Param        per_page        query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "violations: []violation.Violation, pagination: map"
// @Router       /internal/v1/violations [get]
// ListHandler lists violations with filters and pagination
// GET /internal/v1/violations
func (h *ViolationHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filters violation.ListFilters

		if s := c.Query("status"); s != "" {
			st := violation.Status(s)
			if !st.Valid() {
				badRequest(c, "unknown status: "+s)
				return
			}
			filters.Status = &st
		}
		if s := c.Query("severity"); s != "" {
			sev := violation.Severity(s)
			if !sev.Valid() {
				badRequest(c, "unknown severity: "+s)
				return
			}
			filters.Severity = &sev
		}
		if s := c.Query("violation_type"); s != "" {
			filters.ViolationType = &s
		}
		if s := c.Query("assigned_to"); s != "" {
			filters.AssignedTo = &s
		}

		page, perPage := pagination(c)

		violations, total, err := h.engine.List(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"violations": violations,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// @Summary      Get violation
// @Description  Returns a single violation with its evidence ids. Requires violations:read scope.
// @Tags         Violations
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  violation.Violation
// @Failure      404  {object}  map[string]interface{}  "Violation not found"
// @Router       /internal/v1/violations/{id} [get]
// GetHandler returns one violation
// GET /internal/v1/violations/:id
func (h *ViolationHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := h.engine.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// @Summary      Assign violation
// @Description  Hands the violation to an investigator. Assigning an open violation moves it to investigating. Requires violations:write scope.
// @Tags         Violations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  violation.Violation
// @Failure      409  {object}  map[string]interface{}  "Assignment not allowed in the current status"
// @Router       /internal/v1/violations/{id}/assign [post]
// AssignHandler assigns a violation to an investigator
// POST /internal/v1/violations/:id/assign
func (h *ViolationHandlers) AssignHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Assignee string `json:"assignee"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		if req.Assignee == "" {
			badRequest(c, "assignee is required")
			return
		}

		v, err := h.engine.Assign(c.Request.Context(), c.Param("id"), req.Assignee, requestActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// @Summary      Escalate violation
// @Description  Raises the violation's severity. Severity may only increase. Requires violations:write scope.
// @Tags         Violations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  violation.Violation
// @Failure      422  {object}  map[string]interface{}  "Severity would not increase"
// @Router       /internal/v1/violations/{id}/escalate [post]
// EscalateHandler raises a violation's severity
// POST /internal/v1/violations/:id/escalate
func (h *ViolationHandlers) EscalateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Severity violation.Severity `json:"severity"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		if !req.Severity.Valid() {
			badRequest(c, "unknown severity: "+string(req.Severity))
			return
		}

		v, err := h.engine.Escalate(c.Request.Context(), c.Param("id"), req.Severity, requestActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// @Summary      Attach evidence
// @Description  Links additional audit records to the violation. Evidence is append-only. Requires violations:write scope.
// @Tags         Violations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  violation.Violation
// @Failure      422  {object}  map[string]interface{}  "A record id does not resolve"
// @Router       /internal/v1/violations/{id}/evidence [post]
// AddEvidenceHandler links audit records as evidence
// POST /internal/v1/violations/:id/evidence
func (h *ViolationHandlers) AddEvidenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RecordIDs []string `json:"record_ids"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		if len(req.RecordIDs) == 0 {
			badRequest(c, "record_ids must not be empty")
			return
		}

		v, err := h.engine.AddEvidence(c.Request.Context(), c.Param("id"), req.RecordIDs, requestActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

// @Summary      Transition violation
// @Description  Moves the violation along a legal lifecycle edge. Transitions into resolved or dismissed require a note, stored as the resolution summary. Requires violations:write scope.
// @Tags         Violations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  violation.Violation
// @Failure      409  {object}  map[string]interface{}  "Illegal lifecycle edge or lost update race"
// @Failure      422  {object}  map[string]interface{}  "Missing resolution summary"
// @Router       /internal/v1/violations/{id}/transition [post]
// TransitionHandler advances a violation's lifecycle status
// POST /internal/v1/violations/:id/transition
func (h *ViolationHandlers) TransitionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status violation.Status `json:"status"`
			Note   string           `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		if !req.Status.Valid() {
			badRequest(c, "unknown status: "+string(req.Status))
			return
		}

		v, err := h.engine.Advance(c.Request.Context(), c.Param("id"), req.Status, req.Note, requestActor(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}
