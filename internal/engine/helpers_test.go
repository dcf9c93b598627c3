package engine

import (
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/blockxfer/internal/infra/logger"
	"github.com/datallboy/blockxfer/internal/transport"
	"github.com/stretchr/testify/require"
)

func testLogger() *logger.Logger {
	return logger.NewWriter(io.Discard, logger.LevelDebug)
}

func testClient() *transport.Client {
	return transport.NewClient(transport.Options{
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
		ReadTimeout:    2 * time.Second,
	})
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	// a trailing zero would hide a byte that was never written
	if n > 0 && data[n-1] == 0 {
		data[n-1] = 0xff
	}
	return data
}

// rangeHook may take over a ranged request. attempt counts ranged requests
// from 1. Returning false falls through to the normal response.
type rangeHook func(w http.ResponseWriter, r *http.Request, begin, end int64, attempt int32) bool

// rangeServer serves data over plain and ranged GETs and records what the
// engine asked for.
type rangeServer struct {
	*httptest.Server
	data  []byte
	delay time.Duration
	hook  rangeHook

	probes      atomic.Int32
	attempts    atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32

	mu     sync.Mutex
	ranges [][2]int64
}

func newRangeServer(t *testing.T, data []byte) *rangeServer {
	t.Helper()
	s := &rangeServer{data: data}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *rangeServer) serve(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Range")
	if header == "" {
		s.probes.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return
	}

	parts := strings.Split(strings.TrimPrefix(header, "bytes="), "-")
	begin, _ := strconv.ParseInt(parts[0], 10, 64)
	end, _ := strconv.ParseInt(parts[1], 10, 64)

	attempt := s.attempts.Add(1)
	s.mu.Lock()
	s.ranges = append(s.ranges, [2]int64{begin, end})
	s.mu.Unlock()

	cur := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.maxInflight.Load()
		if cur <= peak || s.maxInflight.CompareAndSwap(peak, cur) {
			break
		}
	}

	if s.hook != nil && s.hook(w, r, begin, end, attempt) {
		return
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(begin, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.Itoa(len(s.data)))
	w.Header().Set("Content-Length", strconv.FormatInt(end-begin+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(s.data[begin : end+1])
}

func (s *rangeServer) requested() [][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]int64, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// writePartial sends the first n bytes of the range with a full
// Content-Length and then drops the connection.
func writePartial(w http.ResponseWriter, data []byte, begin, end int64, n int) {
	w.Header().Set("Content-Length", strconv.FormatInt(end-begin+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[begin : begin+int64(n)])
	w.(http.Flusher).Flush()
	panic(http.ErrAbortHandler)
}

type statusLog struct {
	mu       sync.Mutex
	statuses []string
}

func (l *statusLog) record(s string) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	l.mu.Unlock()
}

func (l *statusLog) count(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, st := range l.statuses {
		if st == s {
			n++
		}
	}
	return n
}

func (l *statusLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.statuses...)
}
