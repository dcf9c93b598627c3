package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDownload(t *testing.T, url string, blockSize int64, threads int) *domain.DownloadTask {
	t.Helper()
	task := domain.NewDownloadTask("dl-test", url, filepath.Join(t.TempDir(), "out", "file.bin"))
	task.BlockSize = blockSize
	task.Threads = threads
	return task
}

func waitSettled(t *testing.T, w interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func TestDownloadPartitionedConcurrently(t *testing.T) {
	data := randomData(t, 1_000_000)
	srv := newRangeServer(t, data)
	srv.delay = 50 * time.Millisecond

	task := newTestDownload(t, srv.URL, 300_000, 3)
	d := NewDownloader(task, testClient(), testLogger())

	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	assert.Equal(t, domain.StatusCompleted, d.Status())
	require.Len(t, task.Blocks, 4)
	assert.Equal(t, int64(999_999), task.Blocks[3].End())
	assert.Equal(t, int64(900_000), task.Blocks[3].Begin()-task.Blocks[3].Transferred())

	assert.LessOrEqual(t, srv.maxInflight.Load(), int32(3))
	assert.Equal(t, int32(4), srv.attempts.Load())
	assert.Equal(t, int64(len(data)), task.DownloadedSize())
	assert.Equal(t, float64(100), d.Percentage())
	assert.Zero(t, d.Speed())

	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadProbeFailure(t *testing.T) {
	srv := httptestStatus(t, http.StatusNotFound)

	task := newTestDownload(t, srv, 300_000, 3)
	d := NewDownloader(task, testClient(), testLogger())

	var log statusLog
	d.OnStatusChange(func(s domain.JobStatus) { log.record(string(s)) })

	err := d.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrProtocol)

	assert.Equal(t, domain.StatusFailed, d.Status())
	assert.Empty(t, task.Blocks)
	assert.Nil(t, d.StopAndSave(true))
	assert.Equal(t, "failed", log.all()[len(log.all())-1])

	_, statErr := os.Stat(task.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func httptestStatus(t *testing.T, code int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestDownloadResumeSkipsDoneBlocks(t *testing.T) {
	data := randomData(t, 1000)
	srv := newRangeServer(t, data)

	path := filepath.Join(t.TempDir(), "resume.bin")
	partial := make([]byte, len(data))
	copy(partial[:400], data[:400])
	require.NoError(t, os.WriteFile(path, partial, 0644))

	cp := &domain.DownloadCheckpoint{
		Version:        domain.CheckpointVersion,
		ID:             "resume",
		URL:            srv.URL,
		Path:           path,
		ContentSize:    1000,
		DownloadedSize: 400,
		Threads:        3,
		BlockSize:      300,
		MaxRetry:       3,
		Blocks: []domain.DownloadBlockRecord{
			{Begin: 300, End: 299, Transferred: 300, Done: true},
			{Begin: 400, End: 599, Transferred: 100},
			{Begin: 600, End: 899},
			{Begin: 900, End: 999},
		},
	}
	task, err := cp.Task()
	require.NoError(t, err)

	d := NewDownloader(task, testClient(), testLogger())
	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	assert.Equal(t, domain.StatusCompleted, d.Status())
	assert.Zero(t, srv.probes.Load())
	for _, r := range srv.requested() {
		assert.GreaterOrEqual(t, r[0], int64(400), "range %v re-fetches finished bytes", r)
	}
	assert.Equal(t, int64(1000), task.DownloadedSize())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadAlreadyComplete(t *testing.T) {
	srv := newRangeServer(t, randomData(t, 10))

	task := newTestDownload(t, srv.URL, 10, 1)
	task.SetContentSize(10)
	task.AddDownloaded(10)

	d := NewDownloader(task, testClient(), testLogger())
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Start(context.Background()))

	assert.Equal(t, domain.StatusCompleted, d.Status())
	assert.Zero(t, srv.probes.Load())
	assert.Zero(t, srv.attempts.Load())
}

func TestDownloadRetryExhaustion(t *testing.T) {
	srv := newRangeServer(t, randomData(t, 100))
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}

	task := newTestDownload(t, srv.URL, 100, 1)
	task.MaxRetry = 3
	d := NewDownloader(task, testClient(), testLogger())

	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	assert.Equal(t, domain.StatusFailed, d.Status())
	assert.ErrorIs(t, d.Err(), transport.ErrServerError)
	assert.Equal(t, int32(3), srv.attempts.Load())
	assert.False(t, task.Blocks[0].InProgress())
}

func TestDownloadPrematureEOFResumes(t *testing.T) {
	data := randomData(t, 5000)
	srv := newRangeServer(t, data)
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		if attempt <= 3 {
			writePartial(w, data, begin, end, 1000)
		}
		return false
	}

	task := newTestDownload(t, srv.URL, 5000, 1)
	// cut streams that made progress must not spend retries
	task.MaxRetry = 1
	d := NewDownloader(task, testClient(), testLogger())

	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	require.Equal(t, domain.StatusCompleted, d.Status(), "err: %v", d.Err())
	ranges := srv.requested()
	require.Len(t, ranges, 4)
	assert.Equal(t, [2]int64{1000, 4999}, ranges[1])
	assert.Equal(t, [2]int64{3000, 4999}, ranges[3])

	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadLastByteIsFetched(t *testing.T) {
	data := randomData(t, 10)
	srv := newRangeServer(t, data)
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		switch attempt {
		case 1:
			writePartial(w, data, begin, end, 9)
		case 2:
			writePartial(w, data, begin, end, 0)
		}
		return false
	}

	task := newTestDownload(t, srv.URL, 10, 1)
	task.MaxRetry = 5
	d := NewDownloader(task, testClient(), testLogger())

	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	require.Equal(t, domain.StatusCompleted, d.Status())
	assert.Equal(t, int32(3), srv.attempts.Load())
	assert.Equal(t, [2]int64{9, 9}, srv.requested()[2])

	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadMissingDestinationFails(t *testing.T) {
	data := randomData(t, 100)
	srv := newRangeServer(t, data)

	task := newTestDownload(t, srv.URL, 100, 1)
	task.MaxRetry = 5
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		os.Remove(task.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}

	d := NewDownloader(task, testClient(), testLogger())
	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	assert.Equal(t, domain.StatusFailed, d.Status())
	assert.ErrorIs(t, d.Err(), domain.ErrDestinationMissing)
	assert.Equal(t, int32(1), srv.attempts.Load())
}

func TestDownloadForceStopPreservesProgress(t *testing.T) {
	data := randomData(t, 20_000)
	var slow atomic.Bool
	slow.Store(true)

	srv := newRangeServer(t, data)
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		if !slow.Load() {
			return false
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[begin : begin+2048])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return true
	}

	task := newTestDownload(t, srv.URL, 10_000, 2)
	d := NewDownloader(task, testClient(), testLogger())
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(task.Blocks) == 2 &&
			task.Blocks[0].Transferred() == 2048 &&
			task.Blocks[1].Transferred() == 2048
	}, 5*time.Second, 10*time.Millisecond)

	cp := d.StopAndSave(true)
	require.NotNil(t, cp)
	assert.Equal(t, domain.StatusPaused, cp.Status)
	assert.Equal(t, domain.StatusPaused, d.Status())
	assert.Equal(t, int64(4096), cp.DownloadedSize)
	for i, b := range task.Blocks {
		assert.False(t, b.InProgress(), "block %d still claimed", i)
		assert.False(t, b.Done())
		assert.Equal(t, int64(2048), cp.Blocks[i].Transferred)
	}
	assert.Nil(t, d.StopAndSave(false))

	slow.Store(false)
	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	require.Equal(t, domain.StatusCompleted, d.Status())
	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadCompletesExactlyOnce(t *testing.T) {
	data := randomData(t, 64*1024)
	srv := newRangeServer(t, data)

	task := newTestDownload(t, srv.URL, 1024, 16)
	d := NewDownloader(task, testClient(), testLogger())

	var log statusLog
	d.OnStatusChange(func(s domain.JobStatus) { log.record(string(s)) })

	var checkpoints atomic.Int32
	d.OnBlocksCreated(func(cp *domain.DownloadCheckpoint) error {
		checkpoints.Add(1)
		assert.Len(t, cp.Blocks, 64)
		return nil
	})

	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	assert.Equal(t, domain.StatusCompleted, d.Status())
	assert.Equal(t, 1, log.count("completed"))
	assert.Equal(t, int32(1), checkpoints.Load())
	assert.Equal(t, int32(64), srv.attempts.Load())
}

func TestDownloadCancelledContextPauses(t *testing.T) {
	data := randomData(t, 4096)
	srv := newRangeServer(t, data)
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		<-r.Context().Done()
		return true
	}

	task := newTestDownload(t, srv.URL, 4096, 1)
	d := NewDownloader(task, testClient(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	require.Eventually(t, func() bool { return srv.attempts.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	waitSettled(t, d)
	assert.Equal(t, domain.StatusPaused, d.Status())
	assert.False(t, task.Blocks[0].InProgress())
}

func TestDownloadLastByteRetriesRequestErrors(t *testing.T) {
	data := randomData(t, 10)
	srv := newRangeServer(t, data)
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		switch attempt {
		case 1:
			writePartial(w, data, begin, end, 9)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		case 3:
			// connection dropped before any response
			panic(http.ErrAbortHandler)
		}
		return false
	}

	task := newTestDownload(t, srv.URL, 10, 1)
	task.MaxRetry = 5
	d := NewDownloader(task, testClient(), testLogger())

	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	require.Equal(t, domain.StatusCompleted, d.Status(), "err: %v", d.Err())
	ranges := srv.requested()
	require.Len(t, ranges, 4)
	for _, r := range ranges[1:] {
		assert.Equal(t, [2]int64{9, 9}, r)
	}
	assert.Equal(t, int64(10), task.DownloadedSize())

	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadLastByteErrorIsNotSuccess(t *testing.T) {
	data := randomData(t, 10)
	srv := newRangeServer(t, data)
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		if attempt == 1 {
			writePartial(w, data, begin, end, 9)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}

	task := newTestDownload(t, srv.URL, 10, 1)
	task.MaxRetry = 2
	d := NewDownloader(task, testClient(), testLogger())

	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	assert.Equal(t, domain.StatusFailed, d.Status())
	assert.ErrorIs(t, d.Err(), transport.ErrServerError)
	assert.Equal(t, int32(3), srv.attempts.Load())
	assert.Equal(t, int64(9), task.DownloadedSize())
	assert.False(t, task.Blocks[0].Done())
	assert.False(t, task.Completed())
}

func TestDownloadFailureStopsSiblings(t *testing.T) {
	data := randomData(t, 3000)
	srv := newRangeServer(t, data)
	var cancelled atomic.Int32
	srv.hook = func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool {
		if begin == 0 {
			// fail only once both siblings are streaming
			deadline := time.Now().Add(2 * time.Second)
			for srv.inflight.Load() < 3 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[begin : begin+100])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		cancelled.Add(1)
		return true
	}

	task := newTestDownload(t, srv.URL, 1000, 3)
	task.MaxRetry = 2
	d := NewDownloader(task, testClient(), testLogger())

	// siblings must be cut off long before the 2s read timeout
	started := time.Now()
	require.NoError(t, d.Start(context.Background()))
	waitSettled(t, d)

	assert.Equal(t, domain.StatusFailed, d.Status())
	assert.ErrorIs(t, d.Err(), transport.ErrServerError)

	require.Eventually(t, func() bool { return cancelled.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(started), 1500*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, b := range task.Blocks {
			if b.InProgress() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	ones := 0
	for _, r := range srv.requested() {
		if r[0] != 0 {
			ones++
		}
	}
	assert.Equal(t, 2, ones, "stopped siblings are not retried")
	assert.Nil(t, d.StopAndSave(true))
}

func TestDownloadConcurrentStartsSettle(t *testing.T) {
	data := randomData(t, 4000)
	var open atomic.Bool
	srv := gatedServer(t, data, &open)

	task := newTestDownload(t, srv.URL, 1000, 2)
	d := NewDownloader(task, testClient(), testLogger())

	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.inflight.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	open.Store(true)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- d.Start(context.Background()) }()
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return")
		}
	}

	waitSettled(t, d)
	require.Equal(t, domain.StatusCompleted, d.Status(), "err: %v", d.Err())
	assert.Nil(t, d.StopAndSave(true))

	got, err := os.ReadFile(task.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
