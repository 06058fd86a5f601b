// audit.go implements the audit trail endpoints: event ingestion, record
// queries, on-demand integrity verification, and the anchored checkpoint
// listing.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/db/repositories"
	"github.com/tradeforge/compliance-backend/internal/middleware"
)

// CheckpointLister reads anchored checkpoints for the reporting surface.
type CheckpointLister interface {
	ListByChain(ctx context.Context, chainID string, limit int) ([]*repositories.AnchoredCheckpoint, error)
}

// AuditHandlers handles audit trail endpoints
type AuditHandlers struct {
	recorder    *audit.Recorder
	chain       audit.ChainStore
	verifier    *audit.Verifier
	checkpoints CheckpointLister
}

// NewAuditHandlers creates a new AuditHandlers instance. checkpoints may be
// nil when anchoring is not configured; the listing endpoint then returns an
// empty set.
func NewAuditHandlers(recorder *audit.Recorder, chain audit.ChainStore, verifier *audit.Verifier, checkpoints CheckpointLister) *AuditHandlers {
	return &AuditHandlers{
		recorder:    recorder,
		chain:       chain,
		verifier:    verifier,
		checkpoints: checkpoints,
	}
}

// @Summary      Record audit event
// @Description  Classifies and appends a sensitive-action event to its audit chain. Requires audit:write scope.
// @Tags         Audit
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  audit.AuditRecord
// @Failure      400  {object}  map[string]interface{}  "Validation failure"
// @Failure      503  {object}  map[string]interface{}  "Append retries exhausted under write contention"
// @Router       /internal/v1/audit/events [post]
// IngestEventHandler records a submitted event on the audit chain
// POST /internal/v1/audit/events
func (h *AuditHandlers) IngestEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev audit.RawEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}

		if !ev.EventType.Valid() {
			badRequest(c, "unknown event_type: "+string(ev.EventType))
			return
		}
		if ev.Category == "" {
			badRequest(c, "category is required")
			return
		}
		if ev.Title == "" {
			badRequest(c, "title is required")
			return
		}
		if ev.ChainID == "" {
			ev.ChainID = audit.DefaultChainID
		}
		// Detectors and services name the acting principal in the payload;
		// when they do not, the authenticated caller is the actor.
		if ev.ActorID == "" {
			ev.ActorID, ev.ActorType = middleware.ActorFromContext(c)
		}

		rec, err := h.recorder.Record(c.Request.Context(), &ev)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, rec)
	}
}

// @Summary      List audit records
// @Description  Returns filtered audit records, newest first. Requires audit:read scope.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        chain_id    query  string  false  "Chain id (default: all chains)"
// @Param        event_type  query  string  false  "Event type filter"
// @Param        category    query  string  false  "Category filter"
// @Param        actor_id    query  string  false  "Actor id filter"
// @Param        risk_level  query  string  false  "Risk level filter"
// @Param        start_date  query  string  false  "RFC 3339 lower bound on creation time"
// @Param        end_date    query  string  false  "RFC 3339 upper bound on creation time"
// @Param        page        query  int     false  "Page number (default 1)"
// @Param        per_page    query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "records: []audit.AuditRecord, pagination: map"
// @Router       /internal/v1/audit/records [get]
// ListRecordsHandler lists audit records with filters and pagination
// GET /internal/v1/audit/records
func (h *AuditHandlers) ListRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filters := audit.ListFilters{ChainID: c.Query("chain_id")}

		if s := c.Query("event_type"); s != "" {
			et := audit.EventType(s)
			if !et.Valid() {
				badRequest(c, "unknown event_type: "+s)
				return
			}
			filters.EventType = &et
		}
		if s := c.Query("category"); s != "" {
			filters.Category = &s
		}
		if s := c.Query("actor_id"); s != "" {
			filters.ActorID = &s
		}
		if s := c.Query("risk_level"); s != "" {
			rl := audit.RiskLevel(s)
			if !rl.Valid() {
				badRequest(c, "unknown risk_level: "+s)
				return
			}
			filters.RiskLevel = &rl
		}
		if s := c.Query("start_date"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				badRequest(c, "start_date must be RFC 3339")
				return
			}
			filters.StartDate = &t
		}
		if s := c.Query("end_date"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				badRequest(c, "end_date must be RFC 3339")
				return
			}
			filters.EndDate = &t
		}

		page, perPage := pagination(c)

		records, total, err := h.chain.List(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"records": records,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// @Summary      Get audit record
// @Description  Returns a single audit record by id. Requires audit:read scope.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  audit.AuditRecord
// @Failure      404  {object}  map[string]interface{}  "Record not found"
// @Router       /internal/v1/audit/records/{id} [get]
// GetRecordHandler returns one audit record
// GET /internal/v1/audit/records/:id
func (h *AuditHandlers) GetRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.chain.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// verifyRequest selects the chain and range for an on-demand verification.
// Sequence bounds take precedence over timestamp bounds when both are given.
type verifyRequest struct {
	ChainID  string     `json:"chain_id"`
	FromSeq  *uint64    `json:"from_seq"`
	ToSeq    *uint64    `json:"to_seq"`
	FromTime *time.Time `json:"from_time"`
	ToTime   *time.Time `json:"to_time"`
}

// @Summary      Verify chain integrity
// @Description  Re-walks the requested range recomputing every hash and reports all breaks. A broken chain is a 200 with is_valid=false, never an error. Requires audit:verify scope.
// @Tags         Audit
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  audit.IntegrityReport
// @Failure      400  {object}  map[string]interface{}  "Malformed range"
// @Router       /internal/v1/audit/verify [post]
// VerifyHandler runs an integrity verification walk. Accepts the range as a
// JSON body on POST and as query parameters on GET.
func (h *AuditHandlers) VerifyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if c.Request.Method == http.MethodGet {
			if !parseVerifyQuery(c, &req) {
				return
			}
		} else if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}

		if req.ChainID == "" {
			req.ChainID = audit.DefaultChainID
		}
		if req.FromSeq != nil && req.ToSeq != nil && *req.FromSeq > *req.ToSeq {
			badRequest(c, "from_seq must not exceed to_seq")
			return
		}

		report, err := h.verifier.Verify(c.Request.Context(), req.ChainID, audit.VerifyRange{
			FromSeq:  req.FromSeq,
			ToSeq:    req.ToSeq,
			FromTime: req.FromTime,
			ToTime:   req.ToTime,
		})
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, report)
	}
}

// @Summary      List anchored checkpoints
// @Description  Returns externally anchored chain-tail checkpoints, newest first. Requires audit:read scope.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        chain_id  query  string  false  "Chain id (default: platform)"
// @Param        limit     query  int     false  "Maximum entries (default 50)"
// @Success      200  {object}  map[string]interface{}  "checkpoints: []repositories.AnchoredCheckpoint"
// @Router       /internal/v1/audit/checkpoints [get]
// ListCheckpointsHandler lists anchored checkpoints for a chain
// GET /internal/v1/audit/checkpoints
func (h *AuditHandlers) ListCheckpointsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.checkpoints == nil {
			c.JSON(http.StatusOK, gin.H{"checkpoints": []*repositories.AnchoredCheckpoint{}})
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit < 1 || limit > 500 {
			limit = 50
		}
		chainID := c.DefaultQuery("chain_id", audit.DefaultChainID)

		checkpoints, err := h.checkpoints.ListByChain(c.Request.Context(), chainID, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		if checkpoints == nil {
			checkpoints = []*repositories.AnchoredCheckpoint{}
		}

		c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
	}
}

// parseVerifyQuery fills req from GET query parameters, reporting a 400 and
// returning false on any malformed value.
func parseVerifyQuery(c *gin.Context, req *verifyRequest) bool {
	req.ChainID = c.Query("chain_id")

	if s := c.Query("from_seq"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, "from_seq must be a non-negative integer")
			return false
		}
		req.FromSeq = &n
	}
	if s := c.Query("to_seq"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, "to_seq must be a non-negative integer")
			return false
		}
		req.ToSeq = &n
	}
	if s := c.Query("from_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(c, "from_time must be RFC 3339")
			return false
		}
		req.FromTime = &t
	}
	if s := c.Query("to_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(c, "to_time must be RFC 3339")
			return false
		}
		req.ToTime = &t
	}
	return true
}

// pagination parses the page/per_page query parameters with sane bounds.
func pagination(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "20"))

	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}
