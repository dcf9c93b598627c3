package controllers

import (
	"net/http"

	"github.com/datallboy/blockxfer/internal/app"
	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/labstack/echo/v5"
)

type TransferController struct {
	App     *app.Context
	Manager *engine.Manager
}

// List returns live and stored transfers
func (ctrl *TransferController) List(c *echo.Context) error {
	items, err := ctrl.Manager.List(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, TransferList{Transfers: items, Count: len(items)})
}

func (ctrl *TransferController) Get(c *echo.Context) error {
	snap, err := ctrl.Manager.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// AddDownload starts a download. A transfer that failed its probe is still
// created, so the response carries its snapshot alongside a 502.
func (ctrl *TransferController) AddDownload(c *echo.Context) error {
	var req engine.DownloadRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.URL == "" {
		return badRequest(c, "url is required")
	}

	t, err := ctrl.Manager.AddDownload(req)
	if t == nil {
		return badRequest(c, err.Error())
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, t.Snapshot())
	}
	return c.JSON(http.StatusCreated, t.Snapshot())
}

func (ctrl *TransferController) AddUpload(c *echo.Context) error {
	var req engine.UploadRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.FilePath == "" {
		return badRequest(c, "file_path is required")
	}

	t, err := ctrl.Manager.AddUpload(req)
	if t == nil {
		return badRequest(c, err.Error())
	}
	if err != nil {
		return c.JSON(http.StatusBadGateway, t.Snapshot())
	}
	return c.JSON(http.StatusCreated, t.Snapshot())
}

func (ctrl *TransferController) Pause(c *echo.Context) error {
	snap, err := ctrl.Manager.Pause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (ctrl *TransferController) Resume(c *echo.Context) error {
	t, err := ctrl.Manager.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, t.Snapshot())
}

// Cancel stops the transfer and drops its checkpoint
func (ctrl *TransferController) Cancel(c *echo.Context) error {
	if err := ctrl.Manager.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
