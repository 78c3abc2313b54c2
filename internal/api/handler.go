package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leaselock/internal/lock"
	"github.com/kneutral-org/leaselock/internal/logging"
	"github.com/kneutral-org/leaselock/internal/middleware"
)

// MaxAcquireWait caps the timeoutMs a client may ask for.
const MaxAcquireWait = time.Minute

// heldLease is a lease acquired through the API and kept until released or lost.
type heldLease struct {
	handle     *lock.DistributedLock[Resource]
	resourceID string
	slotID     string
}

func (l *heldLease) response() LeaseResponse {
	return LeaseResponse{
		LeaseID:    l.handle.LockID(),
		ResourceID: l.resourceID,
		SlotID:     l.slotID,
		ExpiresAt:  l.handle.Expiry(),
	}
}

// leaseKey identifies the record a lease covers: a slot, or the resource itself when
// slotID is empty.
func leaseKey(resourceID, slotID string) string {
	return resourceID + "\x00" + slotID
}

// Handler serves resources and leases. Lease handles live in this process; a lease id
// is the lock id written to the resource, so it is only known to the instance that
// acquired it.
type Handler struct {
	store    lock.Backend[Resource]
	leases   *xsync.MapOf[string, *heldLease]
	owners   *xsync.MapOf[string, string] // leaseKey -> newest lease id on that record
	lockOpts []lock.Option
	logger   zerolog.Logger
}

// NewHandler creates a new API handler over store. lockOpts configure every lease handle.
func NewHandler(store lock.Backend[Resource], logger zerolog.Logger, lockOpts ...lock.Option) *Handler {
	logger = logger.With().Str("component", "api").Logger()
	return &Handler{
		store:    store,
		leases:   xsync.NewMapOf[string, *heldLease](),
		owners:   xsync.NewMapOf[string, string](),
		lockOpts: append([]lock.Option{lock.WithLogger(logger)}, lockOpts...),
		logger:   logger,
	}
}

// RegisterRoutes registers resource and lease routes on the provided router group.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	resources := router.Group("/resources")
	resources.POST("", h.CreateResource)
	resources.GET("/:id", h.GetResource)

	leases := router.Group("/leases")
	leases.POST("", h.AcquireLease)
	leases.GET("/:leaseId", h.GetLease)
	leases.POST("/:leaseId/refresh", h.RefreshLease)
	leases.DELETE("/:leaseId", h.ReleaseLease)
}

// HeldLeases returns the number of leases this instance holds.
func (h *Handler) HeldLeases() int {
	return h.leases.Size()
}

// Close releases every lease held by this instance.
func (h *Handler) Close() {
	h.leases.Range(func(id string, l *heldLease) bool {
		if err := l.handle.Close(); err != nil {
			h.logger.Warn().Err(err).Str("leaseId", id).Msg("failed to release lease on shutdown")
		}
		h.leases.Delete(id)
		return true
	})
	h.owners.Clear()
}

// CreateResource handles POST /resources.
func (h *Handler) CreateResource(c *gin.Context) {
	var req CreateResourceRequest
	if !h.bind(c, &req) {
		return
	}

	res := &Resource{Record: lock.Record{ID: req.ID}, Name: req.Name, Slots: []lock.Record{}}
	seen := make(map[string]struct{}, len(req.Slots))
	for _, s := range req.Slots {
		if _, dup := seen[s.ID]; dup {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalidRequest",
				Message: "slot ids must be unique: " + s.ID,
			})
			return
		}
		seen[s.ID] = struct{}{}
		res.Slots = append(res.Slots, lock.Record{ID: s.ID})
	}

	if err := h.store.Create(c.Request.Context(), req.ID, res); err != nil {
		if errors.Is(err, lock.ErrDocumentExists) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "alreadyExists", Message: err.Error()})
			return
		}
		h.internalError(c, "failed to create resource", err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

// GetResource handles GET /resources/:id.
func (h *Handler) GetResource(c *gin.Context) {
	res, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, lock.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "notFound", Message: err.Error()})
			return
		}
		h.internalError(c, "failed to get resource", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AcquireLease handles POST /leases.
func (h *Handler) AcquireLease(c *gin.Context) {
	var req AcquireLeaseRequest
	if !h.bind(c, &req) {
		return
	}

	sel := ResourceSelector()
	if req.SlotID != "" {
		sel = SlotSelector()
	}
	timeout := acquireTimeout(req.TimeoutMs)

	handle := lock.New[Resource](h.store, sel, h.lockOpts...)
	ctx := c.Request.Context()

	doc, err := handle.Acquire(ctx, req.ResourceID, req.SlotID, lock.WithTimeout(timeout))
	if err != nil {
		_ = handle.Close()
		if errors.Is(err, lock.ErrInvalidArgument) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalidRequest", Message: err.Error()})
			return
		}
		h.internalError(c, "failed to acquire lease", err)
		return
	}
	if doc == nil {
		_ = handle.Close()
		h.respondMiss(c, ctx, req.ResourceID, req.SlotID)
		return
	}

	l := &heldLease{handle: handle, resourceID: req.ResourceID, slotID: req.SlotID}
	id := handle.LockID()
	h.leases.Store(id, l)

	leaseLogger := logging.LeaseLogger(h.requestLogger(c), id, req.ResourceID, req.SlotID)
	leaseLogger.Info().Time("expiresAt", handle.Expiry()).Msg("lease acquired")

	// Winning the record means any lease this instance still tracks on it went stale.
	if prev, loaded := h.owners.LoadAndStore(leaseKey(req.ResourceID, req.SlotID), id); loaded && prev != id {
		if old, ok := h.leases.LoadAndDelete(prev); ok {
			_ = old.handle.Close()
			leaseLogger.Info().Str("supersededLeaseId", prev).Msg("stale lease dropped")
		}
	}
	c.JSON(http.StatusCreated, l.response())
}

// RefreshLease handles POST /leases/:leaseId/refresh.
func (h *Handler) RefreshLease(c *gin.Context) {
	id := c.Param("leaseId")
	l, ok := h.lookup(c, id)
	if !ok {
		return
	}

	refreshed, err := l.handle.Refresh(c.Request.Context())
	if err != nil {
		h.internalError(c, "failed to refresh lease", err)
		return
	}
	if !refreshed {
		h.forget(id, l)
		leaseLogger := logging.LeaseLogger(h.requestLogger(c), id, l.resourceID, l.slotID)
		leaseLogger.Warn().Msg("lease lost")
		c.JSON(http.StatusConflict, ErrorResponse{Error: "leaseLost", Message: "lease is no longer held"})
		return
	}

	c.JSON(http.StatusOK, l.response())
}

// GetLease handles GET /leases/:leaseId.
func (h *Handler) GetLease(c *gin.Context) {
	id := c.Param("leaseId")
	l, ok := h.lookup(c, id)
	if !ok {
		return
	}

	res, err := l.handle.Object(c.Request.Context())
	if err != nil {
		h.internalError(c, "failed to read leased resource", err)
		return
	}
	if res == nil {
		h.forget(id, l)
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "leaseLost", Message: "lease is no longer held"})
		return
	}

	c.JSON(http.StatusOK, LeaseObjectResponse{Lease: l.response(), Resource: res})
}

// ReleaseLease handles DELETE /leases/:leaseId. Releasing an unknown lease succeeds.
func (h *Handler) ReleaseLease(c *gin.Context) {
	id := c.Param("leaseId")
	l, ok := h.leases.Load(id)
	if !ok {
		c.JSON(http.StatusOK, ReleaseResponse{LeaseID: id, Released: true})
		return
	}

	released, err := l.handle.Release(c.Request.Context())
	if err != nil {
		h.internalError(c, "failed to release lease", err)
		return
	}
	if !released {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "releaseFailed", Message: "lease is still held"})
		return
	}

	h.forget(id, l)
	leaseLogger := logging.LeaseLogger(h.requestLogger(c), id, l.resourceID, l.slotID)
	leaseLogger.Info().Msg("lease released")
	c.JSON(http.StatusOK, ReleaseResponse{LeaseID: id, Released: true})
}

// respondMiss distinguishes a busy lease from a resource that does not exist.
func (h *Handler) respondMiss(c *gin.Context, ctx context.Context, resourceID, slotID string) {
	res, err := h.store.Get(ctx, resourceID)
	switch {
	case errors.Is(err, lock.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "notFound", Message: err.Error()})
	case err != nil:
		h.internalError(c, "failed to get resource", err)
	case slotID != "" && !hasSlot(res, slotID):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "notFound", Message: "slot not found: " + slotID})
	default:
		c.JSON(http.StatusConflict, ErrorResponse{Error: "leaseHeld", Message: "lease is held by another client"})
	}
}

func hasSlot(res *Resource, slotID string) bool {
	for _, s := range res.Slots {
		if s.ID == slotID {
			return true
		}
	}
	return false
}

func (h *Handler) lookup(c *gin.Context, id string) (*heldLease, bool) {
	l, ok := h.leases.Load(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "notFound", Message: "unknown lease: " + id})
		return nil, false
	}
	return l, true
}

// forget drops a lease from the registry and disposes its handle.
func (h *Handler) forget(id string, l *heldLease) {
	h.leases.Compute(id, func(old *heldLease, loaded bool) (*heldLease, bool) {
		return old, !loaded || old == l
	})
	h.owners.Compute(leaseKey(l.resourceID, l.slotID), func(owner string, loaded bool) (string, bool) {
		return owner, !loaded || owner == id
	})
	_ = l.handle.Close()
}

// acquireTimeout converts a client's timeoutMs, capped at MaxAcquireWait.
func acquireTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(min(ms, MaxAcquireWait.Milliseconds())) * time.Millisecond
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		if middleware.IsPayloadTooLarge(err) {
			_ = c.Error(err)
			return false
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalidRequest", Message: err.Error()})
		return false
	}
	return true
}

// requestLogger prefers the request-scoped logger set by logging.RequestLogger.
func (h *Handler) requestLogger(c *gin.Context) zerolog.Logger {
	if l := logging.LoggerFromContext(c.Request.Context()); l.GetLevel() != zerolog.Disabled {
		return l.With().Str("component", "api").Logger()
	}
	return h.logger
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	logger := h.requestLogger(c)
	logger.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: msg})
}
