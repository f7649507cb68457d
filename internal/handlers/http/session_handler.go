package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/infrastructure/distributed"
	"sfusignal/pkg/cache"
	apperrors "sfusignal/pkg/errors"
	"sfusignal/pkg/validation"
)

// clusterListTTL bounds how often a cluster listing reaches the store.
const clusterListTTL = 2 * time.Second

const clusterListKey = "cluster"

// InstanceLister lists the signaling instances sharing the session store.
type InstanceLister interface {
	List(ctx context.Context) ([]distributed.InstanceInfo, error)
}

type SessionHandler struct {
	sessions  ports.SessionAdmin
	workers   ports.WorkerDirectory
	repo      ports.SessionRepository
	instances InstanceLister
	listings  *cache.Cache[string, []*domain.SessionRecord]
}

// NewSessionHandler wires the admin views. repo and instances may be nil.
func NewSessionHandler(
	sessions ports.SessionAdmin,
	workers ports.WorkerDirectory,
	repo ports.SessionRepository,
	instances InstanceLister,
) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		workers:   workers,
		repo:      repo,
		instances: instances,
		listings:  cache.New[string, []*domain.SessionRecord](clusterListTTL),
	}
}

// Close stops the listing cache sweep.
func (h *SessionHandler) Close() {
	h.listings.Stop()
}

func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.CloseSession)
	api.GET("/producers", h.ListProducers)
	api.GET("/workers", h.ListWorkers)
	api.GET("/instances", h.ListInstances)
	api.GET("/stats", h.GetStats)
}

// ListSessions returns this instance's live sessions, or every stored
// record when scope=cluster.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	if c.Query("scope") == "cluster" {
		if h.repo == nil {
			c.Error(apperrors.NewServiceUnavailableError("session store not configured"))
			return
		}
		records, ok := h.listings.Get(clusterListKey)
		if !ok {
			var err error
			records, err = h.repo.List(c.Request.Context())
			if err != nil {
				c.Error(apperrors.WrapCode(err, apperrors.ErrCodeServiceUnavailable, "session store unavailable"))
				return
			}
			h.listings.Set(clusterListKey, records)
		}
		c.JSON(http.StatusOK, gin.H{"sessions": records, "count": len(records)})
		return
	}

	records := h.sessions.List()
	c.JSON(http.StatusOK, gin.H{"sessions": records, "count": len(records)})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	record, err := h.sessions.Lookup(id)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"session": record, "local": true})
		return
	}
	if h.repo != nil {
		stored, repoErr := h.repo.GetByID(c.Request.Context(), id)
		if repoErr == nil {
			c.JSON(http.StatusOK, gin.H{"session": stored, "local": false})
			return
		}
		if !errors.Is(repoErr, domain.ErrSessionNotFound) {
			c.Error(apperrors.WrapCode(repoErr, apperrors.ErrCodeServiceUnavailable, "session store unavailable"))
			return
		}
	}
	c.Error(err)
}

// CloseSession disconnects a live session of this instance.
func (h *SessionHandler) CloseSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if _, err := h.sessions.Lookup(id); err != nil {
		c.Error(err)
		return
	}
	h.sessions.Close(c.Request.Context(), id)
	h.listings.Delete(clusterListKey)
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ListProducers(c *gin.Context) {
	producers := h.sessions.Producers()
	c.JSON(http.StatusOK, gin.H{"producers": producers, "count": len(producers)})
}

func (h *SessionHandler) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": h.workers.Workers()})
}

func (h *SessionHandler) ListInstances(c *gin.Context) {
	if h.instances == nil {
		c.Error(apperrors.NewServiceUnavailableError("instance registry requires redis"))
		return
	}
	list, err := h.instances.List(c.Request.Context())
	if err != nil {
		c.Error(apperrors.WrapCode(err, apperrors.ErrCodeServiceUnavailable, "instance registry unavailable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": list})
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	running := 0
	for _, w := range h.workers.Workers() {
		if w.State == domain.WorkerRunning {
			running++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":        h.sessions.Count(),
		"routers":         h.sessions.RouterCount(),
		"producers":       len(h.sessions.Producers()),
		"workers_running": running,
	})
}

func sessionID(c *gin.Context) (domain.SessionID, bool) {
	raw := c.Param("id")
	if err := validation.ValidateID(raw, "session id"); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.SessionID(raw), true
}
