package server

import (
	"github.com/gin-gonic/gin"

	"github.com/tably/crossed-paths/internal/app"
	"github.com/tably/crossed-paths/internal/config"
	"github.com/tably/crossed-paths/internal/handler"
	"github.com/tably/crossed-paths/internal/service/crossings"
)

// NewRouter builds the gin engine and mounts the crossed-paths API.
func NewRouter(cfg *config.Config, appCtx *app.AppContext, svc *crossings.Service) *gin.Engine {
	if cfg.App.ENV == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	crossingsHandler := handler.NewCrossingsHandler(svc)
	healthHandler := handler.NewHealthHandler(appCtx)

	r.GET("/healthz", healthHandler.Check)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/visits", crossingsHandler.RecordVisit)
		v1.GET("/users/:id/visits", crossingsHandler.ListVisits)
		v1.GET("/users/:id/crossed-paths", crossingsHandler.ListCrossedPaths)
		v1.GET("/users/:id/crossed-paths/count", crossingsHandler.CountCrossedPaths)
		v1.POST("/crossed-paths/:id/invite", crossingsHandler.InviteToDinner)
		v1.POST("/internal/sweep", crossingsHandler.Sweep)
	}

	return r
}
