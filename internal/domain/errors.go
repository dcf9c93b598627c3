package domain

import "errors"

// ErrNoTask indicates an orchestrator was started without a task
var ErrNoTask = errors.New("no transfer task")

// ErrDestinationMissing indicates the download target disappeared under a worker
var ErrDestinationMissing = errors.New("destination file missing")

// ErrTaskNotFound indicates no transfer or checkpoint exists for an id
var ErrTaskNotFound = errors.New("transfer not found")

// ErrAlreadyRunning indicates the transfer already has active workers
var ErrAlreadyRunning = errors.New("transfer already running")

// ErrNotRunning indicates there is nothing to pause
var ErrNotRunning = errors.New("transfer not running")

// ErrUnsupportedCheckpoint indicates a checkpoint written by a newer version
var ErrUnsupportedCheckpoint = errors.New("unsupported checkpoint version")
