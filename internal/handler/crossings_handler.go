package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	svcErr "github.com/tably/crossed-paths/internal/errors"
	"github.com/tably/crossed-paths/internal/service/crossings"
)

// CrossingsHandler exposes the matching core over HTTP.
type CrossingsHandler struct {
	svc *crossings.Service
}

func NewCrossingsHandler(svc *crossings.Service) *CrossingsHandler {
	return &CrossingsHandler{svc: svc}
}

type recordVisitRequest struct {
	UserID         uint64    `json:"user_id" binding:"required"`
	RestaurantID   string    `json:"restaurant_id"`
	RestaurantName string    `json:"restaurant_name"`
	Latitude       *float64  `json:"latitude"`
	Longitude      *float64  `json:"longitude"`
	VisitedAt      time.Time `json:"visited_at" binding:"required"`
}

// RecordVisit handles POST /api/v1/visits.
func (h *CrossingsHandler) RecordVisit(c *gin.Context) {
	var req recordVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	visit, err := h.svc.RecordVisit(c.Request.Context(), req.UserID, crossings.RestaurantIdentity{
		RestaurantID: req.RestaurantID,
		Name:         req.RestaurantName,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
	}, req.VisitedAt)
	if err != nil {
		status, msg := svcErr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":              visit.ID,
		"user_id":         visit.UserID,
		"restaurant_name": visit.RestaurantName,
		"visited_at":      visit.VisitedAt,
	})
}

// ListVisits handles GET /api/v1/users/:id/visits.
func (h *CrossingsHandler) ListVisits(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	visits, err := h.svc.ListVisits(c.Request.Context(), userID, limit)
	if err != nil {
		status, msg := svcErr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": visits})
}

// ListCrossedPaths handles GET /api/v1/users/:id/crossed-paths.
func (h *CrossingsHandler) ListCrossedPaths(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var pageToken *string
	if token := c.Query("page_token"); token != "" {
		pageToken = &token
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	views, nextToken, err := h.svc.ListCrossedPaths(c.Request.Context(), userID, pageToken, limit)
	if err != nil {
		status, msg := svcErr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	resp := gin.H{"crossed_paths": views}
	if nextToken != nil {
		resp["next_page_token"] = *nextToken
	}
	c.JSON(http.StatusOK, resp)
}

// CountCrossedPaths handles GET /api/v1/users/:id/crossed-paths/count.
func (h *CrossingsHandler) CountCrossedPaths(c *gin.Context) {
	userID, ok := parseID(c, "id")
	if !ok {
		return
	}

	count, err := h.svc.CountCrossedPaths(c.Request.Context(), userID)
	if err != nil {
		status, msg := svcErr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// InviteToDinner handles POST /api/v1/crossed-paths/:id/invite.
func (h *CrossingsHandler) InviteToDinner(c *gin.Context) {
	summaryID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		InviterID uint64 `json:"inviter_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.InviteToDinner(c.Request.Context(), summaryID, req.InviterID); err != nil {
		if errors.Is(err, crossings.ErrNotPairMember) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		status, msg := svcErr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Sweep handles POST /api/v1/internal/sweep.
func (h *CrossingsHandler) Sweep(c *gin.Context) {
	deactivated, err := h.svc.SweepExpired(c.Request.Context())
	if err != nil {
		status, msg := svcErr.HTTPStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": deactivated})
}

func parseID(c *gin.Context, param string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": param + " must be a valid uint64"})
		return 0, false
	}
	return id, true
}
