package http

import (
	"github.com/gofiber/fiber/v2"

	"sync_server/core/domain"
	"sync_server/core/port/in"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
	"sync_server/pkg/ratelimit"
	"sync_server/pkg/response"
)

// =============================================================================
// Sync ops endpoints
// =============================================================================

// SyncHandler exposes sync status, run history, manual triggers and
// credential summaries for operators.
type SyncHandler struct {
	syncs  in.SyncService
	tokens out.TokenStore
	guard  *ratelimit.APIProtector
	log    *logger.Logger
}

// NewSyncHandler creates the handler. A nil guard disables trigger
// debouncing.
func NewSyncHandler(syncs in.SyncService, tokens out.TokenStore, guard *ratelimit.APIProtector) *SyncHandler {
	return &SyncHandler{
		syncs:  syncs,
		tokens: tokens,
		guard:  guard,
		log:    logger.WithField("component", "ops_api"),
	}
}

// Register registers sync routes on the authenticated group.
func (h *SyncHandler) Register(api fiber.Router) {
	sync := api.Group("/sync")
	sync.Get("/status/:userID", h.Status)
	sync.Get("/runs/:userID", h.Runs)
	sync.Post("/trigger", h.Trigger)

	api.Get("/credentials/:userID", h.Credentials)
}

// Status returns the latest run per source for the user.
func (h *SyncHandler) Status(c *fiber.Ctx) error {
	userID := c.Params("userID")
	if userID == "" {
		return response.BadRequest(c, "userID is required")
	}

	runs, err := h.syncs.Status(c.Context(), userID)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{
		"user_id": userID,
		"sources": runs,
	})
}

// Runs returns recent run history for the user, newest first.
func (h *SyncHandler) Runs(c *fiber.Ctx) error {
	userID := c.Params("userID")
	if userID == "" {
		return response.BadRequest(c, "userID is required")
	}
	page := response.GetPagination(c, 20, 100)

	runs, err := h.syncs.History(c.Context(), userID, page.Limit)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OKWithMeta(c, runs, &response.Meta{
		Total: len(runs),
		Limit: page.Limit,
	})
}

// TriggerRequest is the manual sync request body.
type TriggerRequest struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Force    bool   `json:"force"`
}

// Trigger enqueues one (user, provider) sync job.
func (h *SyncHandler) Trigger(c *fiber.Ctx) error {
	var req TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return response.BadRequest(c, "user_id is required")
	}
	provider, ok := domain.ParseProvider(req.Provider)
	if !ok {
		return response.BadRequest(c, "unknown provider: "+req.Provider)
	}

	// Repeated triggers for one pair inside the debounce window are
	// duplicates; the pair lock would reject them downstream anyway.
	if h.guard != nil {
		res, release := h.guard.Acquire(c.Context(), "trigger:"+req.UserID+":"+string(provider))
		if !res.Allowed {
			h.log.WithUser(req.UserID).Warn("trigger suppressed: %s", res.Reason)
			return response.Error(c, fiber.StatusTooManyRequests, "RATE_LIMITED", res.Reason)
		}
		defer release()
	}

	jobID, err := h.syncs.TriggerSync(c.Context(), req.UserID, provider, req.Force)
	if err != nil {
		h.log.WithError(err).WithUser(req.UserID).Warn("trigger failed")
		return response.FromError(c, err)
	}

	h.log.WithUser(req.UserID).WithProvider(string(provider)).Info("sync triggered, job %s", jobID)
	return response.Accepted(c, fiber.Map{
		"job_id":   jobID,
		"user_id":  req.UserID,
		"provider": provider,
	})
}

// Credentials summarizes the user's stored OAuth credentials per family.
func (h *SyncHandler) Credentials(c *fiber.Ctx) error {
	userID := c.Params("userID")
	if userID == "" {
		return response.BadRequest(c, "userID is required")
	}

	families := []domain.ProviderFamily{domain.FamilyGoogle, domain.FamilyMicrosoft}
	statuses := make([]*domain.CredentialStatus, 0, len(families))
	for _, family := range families {
		statuses = append(statuses, h.tokens.Check(c.Context(), userID, family))
	}

	return response.OK(c, fiber.Map{
		"user_id":     userID,
		"credentials": statuses,
	})
}
