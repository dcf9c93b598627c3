package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/datallboy/blockxfer/internal/app"
	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/transport"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

// DownloadRequest describes a new download. Zero fields take the
// configured defaults.
type DownloadRequest struct {
	URL       string            `json:"url"`
	Path      string            `json:"path"`
	Threads   int               `json:"threads"`
	BlockSize int64             `json:"block_size"`
	MaxRetry  int               `json:"max_retry"`
	RateLimit int64             `json:"rate_limit"`
	Headers   map[string]string `json:"headers"`
}

// UploadRequest describes a new upload.
type UploadRequest struct {
	FilePath  string `json:"file_path"`
	UploadURL string `json:"upload_url"`
	Token     string `json:"token"`
	Threads   int    `json:"threads"`
	BlockSize int64  `json:"block_size"`
	ChunkSize int64  `json:"chunk_size"`
	RateLimit int64  `json:"rate_limit"`
}

// Snapshot is a point-in-time view of one transfer.
type Snapshot struct {
	domain.TransferSummary
	Speed      int64   `json:"speed"`
	Percentage float64 `json:"percentage"`
	Live       bool    `json:"live"`
	Error      string  `json:"error,omitempty"`
}

// Transfer is a live download or upload owned by the Manager.
type Transfer struct {
	ID        string
	Kind      domain.TaskKind
	CreatedAt time.Time

	download *Downloader
	upload   *Uploader
}

func (t *Transfer) Status() domain.JobStatus {
	if t.download != nil {
		return t.download.Status()
	}
	return t.upload.Status()
}

func (t *Transfer) Err() error {
	if t.download != nil {
		return t.download.Err()
	}
	return t.upload.Err()
}

func (t *Transfer) Wait(ctx context.Context) error {
	if t.download != nil {
		return t.download.Wait(ctx)
	}
	return t.upload.Wait(ctx)
}

func (t *Transfer) Downloader() *Downloader { return t.download }
func (t *Transfer) Uploader() *Uploader     { return t.upload }

func (t *Transfer) Snapshot() Snapshot {
	s := Snapshot{Live: true}
	if d := t.download; d != nil {
		task := d.Task()
		s.TransferSummary = domain.TransferSummary{
			ID:          t.ID,
			Kind:        domain.KindDownload,
			Source:      task.URL,
			Destination: task.Path,
			TotalSize:   task.ContentSize(),
			Transferred: task.DownloadedSize(),
		}
		s.Speed = d.Speed()
		s.Percentage = d.Percentage()
	} else {
		u := t.upload
		task := u.Task()
		s.TransferSummary = domain.TransferSummary{
			ID:          t.ID,
			Kind:        domain.KindUpload,
			Source:      task.FilePath,
			Destination: task.UploadURL,
			TotalSize:   task.FileSize,
			Transferred: u.UploadedSize(),
		}
		s.Speed = u.Speed()
		if task.FileSize > 0 {
			s.Percentage = float64(u.UploadedSize()) / float64(task.FileSize) * 100
		} else if u.Status() == domain.StatusCompleted {
			s.Percentage = 100
		}
	}
	s.Status = t.Status()
	s.UpdatedAt = time.Now().UTC()
	if err := t.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

func (t *Transfer) start(ctx context.Context) error {
	if t.download != nil {
		return t.download.Start(ctx)
	}
	return t.upload.Start(ctx)
}

// Manager owns every live transfer and persists checkpoints whenever a
// transfer settles.
type Manager struct {
	mu        sync.RWMutex
	app       *app.Context
	ctx       context.Context
	transfers map[string]*Transfer
	// resuming holds ids with a resume in flight
	resuming map[string]struct{}

	statusHooks []func(*Transfer, domain.JobStatus)
	blockHooks  []func(*domain.DownloadCheckpoint) error
}

// NewManager returns a manager whose transfers run under ctx. Cancelling
// ctx pauses every running transfer.
func NewManager(ctx context.Context, appCtx *app.Context) *Manager {
	return &Manager{
		app:       appCtx,
		ctx:       ctx,
		transfers: make(map[string]*Transfer),
		resuming:  make(map[string]struct{}),
	}
}

// OnStatusChange registers fn for every status transition of every
// transfer registered afterwards.
func (m *Manager) OnStatusChange(fn func(*Transfer, domain.JobStatus)) {
	m.mu.Lock()
	m.statusHooks = append(m.statusHooks, fn)
	m.mu.Unlock()
}

// OnBlocksCreated registers fn to receive a download's first checkpoint,
// after the store has saved it.
func (m *Manager) OnBlocksCreated(fn func(*domain.DownloadCheckpoint) error) {
	m.mu.Lock()
	m.blockHooks = append(m.blockHooks, fn)
	m.mu.Unlock()
}

// AddDownload registers and starts a download. The transfer is returned
// even when Start fails so callers can report its status.
func (m *Manager) AddDownload(req DownloadRequest) (*Transfer, error) {
	if req.URL == "" {
		return nil, errors.New("download url is required")
	}

	cfg := m.app.Config.Download
	id := ksuid.New().String()

	dest := req.Path
	if dest == "" {
		dest = fileNameFromURL(req.URL)
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(cfg.OutDir, dest)
	}

	task := domain.NewDownloadTask(id, req.URL, dest)
	task.Threads = firstPositive(req.Threads, cfg.Threads)
	task.BlockSize = firstPositive(req.BlockSize, int64(cfg.BlockSize))
	task.MaxRetry = firstPositive(req.MaxRetry, cfg.MaxRetry)
	task.RateLimit = firstPositive(req.RateLimit, int64(cfg.RateLimit))
	if cfg.UserAgent != "" {
		task.Headers["User-Agent"] = cfg.UserAgent
	}
	for k, v := range cfg.Headers {
		task.Headers[k] = v
	}
	for k, v := range req.Headers {
		task.Headers[k] = v
	}

	t := m.register(task, nil)
	m.app.Logger.Info("Added download %s: %s -> %s", id, req.URL, dest)

	if err := t.start(m.ctx); err != nil {
		return t, err
	}
	return t, nil
}

// AddUpload registers and starts an upload of a local file.
func (m *Manager) AddUpload(req UploadRequest) (*Transfer, error) {
	cfg := m.app.Config.Upload

	uploadURL := req.UploadURL
	if uploadURL == "" {
		uploadURL = cfg.URL
	}
	if uploadURL == "" {
		return nil, errors.New("upload url is required")
	}
	token := req.Token
	if token == "" {
		token = cfg.Token
	}

	id := ksuid.New().String()
	task, err := domain.NewUploadTask(id, req.FilePath, uploadURL, token)
	if err != nil {
		return nil, err
	}
	task.Threads = firstPositive(req.Threads, cfg.Threads)
	task.ChunkSize = firstPositive(req.ChunkSize, int64(cfg.ChunkSize))
	task.RateLimit = firstPositive(req.RateLimit, int64(cfg.RateLimit))
	if bs := firstPositive(req.BlockSize, int64(cfg.BlockSize)); bs != task.BlockSize {
		task.BlockSize = bs
		task.Blocks = nil
		task.InitBlocks()
	}
	if task.ChunkSize > task.BlockSize {
		task.ChunkSize = task.BlockSize
	}

	t := m.register(nil, task)
	m.app.Logger.Info("Added upload %s: %s -> %s", id, req.FilePath, uploadURL)

	if err := t.start(m.ctx); err != nil {
		return t, err
	}
	return t, nil
}

func (m *Manager) register(dl *domain.DownloadTask, up *domain.UploadTask) *Transfer {
	t := &Transfer{CreatedAt: time.Now()}

	if dl != nil {
		t.ID, t.Kind = dl.ID, domain.KindDownload
		t.download = NewDownloader(dl, m.app.Client, m.app.Logger)
		t.download.OnBlocksCreated(func(cp *domain.DownloadCheckpoint) error {
			if err := m.app.Store.SaveDownload(m.ctx, cp); err != nil {
				return err
			}
			m.mu.RLock()
			hooks := m.blockHooks
			m.mu.RUnlock()
			for _, fn := range hooks {
				if err := fn(cp); err != nil {
					return err
				}
			}
			return nil
		})
	} else {
		t.ID, t.Kind = up.ID, domain.KindUpload
		api := transport.NewUploadAPI(m.app.Client, up.UploadURL, up.Token, up.Session)
		t.upload = NewUploader(up, api, m.app.Logger, m.uploadOptions())
	}

	m.mu.RLock()
	hooks := m.statusHooks
	m.mu.RUnlock()

	observe := func(status domain.JobStatus) {
		if !status.Active() {
			if err := m.persist(t); err != nil {
				m.app.Logger.Error("Failed to persist %s after %s: %v", t.ID, status, err)
			}
		}
		for _, fn := range hooks {
			fn(t, status)
		}
	}
	if t.download != nil {
		t.download.OnStatusChange(observe)
	} else {
		t.upload.OnStatusChange(observe)
	}

	m.mu.Lock()
	m.transfers[t.ID] = t
	m.mu.Unlock()
	return t
}

func (m *Manager) uploadOptions() UploadOptions {
	opts := DefaultUploadOptions()
	cfg := m.app.Config.Upload
	opts.MaxBlockRestarts = cfg.MaxBlockRestarts
	if cfg.RestartDelay > 0 {
		opts.RestartDelay = cfg.RestartDelay
	}
	return opts
}

// persist writes the transfer's current checkpoint. The store gets its own
// context so a cancelled manager can still record the pause.
func (m *Manager) persist(t *Transfer) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 10*time.Second)
	defer cancel()

	if t.download != nil {
		cp := t.download.Checkpoint()
		if cp == nil {
			return nil
		}
		return m.app.Store.SaveDownload(ctx, cp)
	}
	cp := t.upload.Checkpoint()
	if cp == nil {
		return nil
	}
	return m.app.Store.SaveUpload(ctx, cp)
}

// Get returns the live transfer with id.
func (m *Manager) Get(id string) (*Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	return t, ok
}

// Status returns a snapshot of a live transfer, falling back to the store.
func (m *Manager) Status(ctx context.Context, id string) (Snapshot, error) {
	if t, ok := m.Get(id); ok {
		return t.Snapshot(), nil
	}

	list, err := m.app.Store.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, s := range list {
		if s.ID == id {
			return storedSnapshot(s), nil
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
}

// List returns live transfers followed by stored ones that are not live,
// ordered by id.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.transfers))
	live := make(map[string]bool, len(m.transfers))
	for id, t := range m.transfers {
		live[id] = true
		out = append(out, t.Snapshot())
	}
	m.mu.RUnlock()

	stored, err := m.app.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range stored {
		if !live[s.ID] {
			out = append(out, storedSnapshot(s))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Pause stops a running transfer gracefully and stores its checkpoint.
func (m *Manager) Pause(ctx context.Context, id string) (Snapshot, error) {
	t, ok := m.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err := m.pause(ctx, t, false); err != nil {
		return Snapshot{}, err
	}
	return t.Snapshot(), nil
}

func (m *Manager) pause(ctx context.Context, t *Transfer, force bool) error {
	if t.download != nil {
		cp := t.download.StopAndSave(force)
		if cp == nil {
			return fmt.Errorf("%w: %s", domain.ErrNotRunning, t.ID)
		}
		return m.app.Store.SaveDownload(ctx, cp)
	}
	cp := t.upload.StopAndSave(force)
	if cp == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotRunning, t.ID)
	}
	return m.app.Store.SaveUpload(ctx, cp)
}

// Resume restarts a paused or failed transfer. Transfers that are not
// live are rebuilt from the store.
func (m *Manager) Resume(ctx context.Context, id string) (*Transfer, error) {
	release, err := m.claimResume(id)
	if err != nil {
		return nil, err
	}
	defer release()

	if t, ok := m.Get(id); ok {
		if t.Status().Active() {
			return t, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, id)
		}
		return t, t.start(m.ctx)
	}

	t, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	m.app.Logger.Info("Resuming %s %s from checkpoint", t.Kind, id)
	return t, t.start(m.ctx)
}

// ResumeDownload registers and starts a download rebuilt from cp, which
// may come from outside the store (a sidecar file, for one).
func (m *Manager) ResumeDownload(cp *domain.DownloadCheckpoint) (*Transfer, error) {
	release, err := m.claimResume(cp.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if t, ok := m.Get(cp.ID); ok && t.Status().Active() {
		return t, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, cp.ID)
	}
	task, err := cp.Task()
	if err != nil {
		return nil, err
	}
	t := m.register(task, nil)
	return t, t.start(m.ctx)
}

// ResumeUpload is ResumeDownload for uploads.
func (m *Manager) ResumeUpload(cp *domain.UploadCheckpoint) (*Transfer, error) {
	release, err := m.claimResume(cp.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if t, ok := m.Get(cp.ID); ok && t.Status().Active() {
		return t, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, cp.ID)
	}
	task, err := cp.Task()
	if err != nil {
		return nil, err
	}
	t := m.register(nil, task)
	return t, t.start(m.ctx)
}

// claimResume makes sure only one resume of id is loading and starting at
// a time. The caller must run release once the transfer has started.
func (m *Manager) claimResume(id string) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.resuming[id]; busy {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, id)
	}
	m.resuming[id] = struct{}{}
	return func() {
		m.mu.Lock()
		delete(m.resuming, id)
		m.mu.Unlock()
	}, nil
}

func (m *Manager) load(ctx context.Context, id string) (*Transfer, error) {
	dl, err := m.app.Store.LoadDownload(ctx, id)
	if err == nil {
		task, err := dl.Task()
		if err != nil {
			return nil, err
		}
		return m.register(task, nil), nil
	}
	if !errors.Is(err, domain.ErrTaskNotFound) {
		return nil, err
	}

	up, err := m.app.Store.LoadUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	task, err := up.Task()
	if err != nil {
		return nil, err
	}
	return m.register(nil, task), nil
}

// Cancel force-stops a transfer and forgets it, including its checkpoint.
// Bytes already on disk are left alone.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	t, live := m.transfers[id]
	delete(m.transfers, id)
	m.mu.Unlock()

	if live {
		if t.download != nil {
			t.download.StopAndSave(true)
		} else {
			t.upload.StopAndSave(true)
		}
	}

	err := m.app.Store.Delete(ctx, id)
	if errors.Is(err, domain.ErrTaskNotFound) && live {
		return nil
	}
	return err
}

// Shutdown pauses every running transfer concurrently and stores their
// checkpoints.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	var running []*Transfer
	for _, t := range m.transfers {
		if t.Status().Active() {
			running = append(running, t)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range running {
		g.Go(func() error {
			err := m.pause(gctx, t, false)
			if errors.Is(err, domain.ErrNotRunning) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.app.Logger.Info("Paused %d transfers for shutdown", len(running))
	return nil
}

func storedSnapshot(s domain.TransferSummary) Snapshot {
	snap := Snapshot{TransferSummary: s}
	if s.TotalSize > 0 {
		snap.Percentage = float64(s.Transferred) / float64(s.TotalSize) * 100
	} else if s.Status == domain.StatusCompleted {
		snap.Percentage = 100
	}
	return snap
}

func fileNameFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "download-" + ksuid.New().String()
}

func firstPositive[T int | int64](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}
