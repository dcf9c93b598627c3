package controllers

import (
	"errors"
	"net/http"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/labstack/echo/v5"
)

// respondError maps engine and store errors onto HTTP statuses.
func respondError(c *echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRunning), errors.Is(err, domain.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoTask), errors.Is(err, domain.ErrUnsupportedCheckpoint):
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

func badRequest(c *echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}
