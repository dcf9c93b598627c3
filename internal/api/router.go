package api

import (
	"github.com/datallboy/blockxfer/internal/api/controllers"
	"github.com/datallboy/blockxfer/internal/app"
	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

func RegisterRoutes(e *echo.Echo, app *app.Context, mgr *engine.Manager) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	ctrl := &controllers.TransferController{App: app, Manager: mgr}

	api := e.Group("/api")
	api.GET("/transfers", ctrl.List)
	api.GET("/transfers/:id", ctrl.Get)
	api.POST("/transfers/:id/pause", ctrl.Pause)
	api.POST("/transfers/:id/resume", ctrl.Resume)
	api.DELETE("/transfers/:id", ctrl.Cancel)

	api.POST("/downloads", ctrl.AddDownload)
	api.POST("/uploads", ctrl.AddUpload)
}
