package controllers

import "github.com/datallboy/blockxfer/internal/engine"

type ErrorResponse struct {
	Error string `json:"error"`
}

type TransferList struct {
	Transfers []engine.Snapshot `json:"transfers"`
	Count     int               `json:"count"`
}
