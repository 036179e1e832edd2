package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"neosync/internal/domain"
)

type Handler struct {
	worker     Ticker
	admin      Admin
	db         Pinger
	tokens     TokenService
	cronSecret string
	logger     *slog.Logger
}

func NewHandler(worker Ticker, admin Admin, db Pinger, tokens TokenService, cronSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		worker:     worker,
		admin:      admin,
		db:         db,
		tokens:     tokens,
		cronSecret: cronSecret,
		logger:     logger.With("component", "api"),
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/api/worker/tick", CronAuth(h.cronSecret), h.cronTick)

	admin := r.Group("/api/admin/sync")
	admin.Use(AdminAuth(h.tokens))
	admin.POST("/tick", h.adminTick)
	admin.POST("/force", h.forceSync)
	admin.GET("/tasks", h.listTasks)
	admin.DELETE("/tasks/completed", h.clearCompleted)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *Handler) cronTick(c *gin.Context) {
	result, err := h.worker.Tick(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}

	if result.QueueEmpty {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Queue empty"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "processed": result.Processed})
}

func (h *Handler) adminTick(c *gin.Context) {
	if claims := GetClaims(c); claims != nil {
		h.logger.Info("manual tick requested", "user_id", claims.UserID)
	}

	result, err := h.worker.Tick(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}

	message := "Tick completed"
	if result.QueueEmpty {
		message = "Queue empty"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "details": result})
}

type forceSyncRequest struct {
	MangaID  string `json:"manga_id"`
	Priority *int   `json:"priority"`
}

func (h *Handler) forceSync(c *gin.Context) {
	var req forceSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.MangaID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "manga_id is required"})
		return
	}

	task, err := h.admin.ForceSync(c.Request.Context(), req.MangaID, req.Priority)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		h.fail(c, status, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Sync queued for " + task.ExternalID,
		"task":    task,
	})
}

func (h *Handler) listTasks(c *gin.Context) {
	limit := parseInt(c.Query("limit"), 0)

	overview, err := h.admin.QueueOverview(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (h *Handler) clearCompleted(c *gin.Context) {
	deleted, err := h.admin.ClearCompleted(c.Request.Context())
	if err != nil {
		h.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

func (h *Handler) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func parseInt(s string, def int) int {
	if strings.TrimSpace(s) == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
