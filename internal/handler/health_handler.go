package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tably/crossed-paths/internal/app"
)

// HealthHandler reports readiness of the DB and Redis dependencies.
type HealthHandler struct {
	appCtx *app.AppContext
}

func NewHealthHandler(appCtx *app.AppContext) *HealthHandler {
	return &HealthHandler{appCtx: appCtx}
}

func (h *HealthHandler) Check(c *gin.Context) {
	sqlDB, err := h.appCtx.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
		return
	}

	if err := h.appCtx.RedisCache.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
