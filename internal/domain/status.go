package domain

type JobStatus string

const (
	StatusWaiting     JobStatus = "waiting"
	StatusDownloading JobStatus = "downloading"
	StatusUploading   JobStatus = "uploading"
	StatusPaused      JobStatus = "paused"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"  // download gave up
	StatusFaulted     JobStatus = "faulted" // upload finalize rejected or task missing
)

// Terminal reports whether no further transitions happen without a restart.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusFaulted
}

// Active reports whether workers may be running.
func (s JobStatus) Active() bool {
	return s == StatusDownloading || s == StatusUploading
}

type TaskKind string

const (
	KindDownload TaskKind = "download"
	KindUpload   TaskKind = "upload"
)
