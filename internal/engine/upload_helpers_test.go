package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// uploadHook may answer a request itself. n counts calls of that kind.
type uploadHook func(w http.ResponseWriter, r *http.Request, kind string, n int32) bool

type remoteBlock struct {
	id   int
	data []byte
}

// blockStore is an in-memory remote for the mkblk/bput/mkfile protocol.
type blockStore struct {
	*httptest.Server
	hook uploadHook

	mkblk  atomic.Int32
	bput   atomic.Int32
	mkfile atomic.Int32

	mu     sync.Mutex
	blocks map[string]*remoteBlock
	seq    int
	file   []byte
	ctxs   []string
}

func newBlockStore(t *testing.T) *blockStore {
	t.Helper()
	s := &blockStore{blocks: make(map[string]*remoteBlock)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *blockStore) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	body, _ := io.ReadAll(r.Body)
	kind := parts[0]

	var n int32
	switch kind {
	case "mkblk":
		n = s.mkblk.Add(1)
	case "bput":
		n = s.bput.Add(1)
	case "mkfile":
		n = s.mkfile.Add(1)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if s.hook != nil && s.hook(w, r, kind, n) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case "mkblk":
		id, _ := strconv.Atoi(parts[2])
		b := &remoteBlock{id: id, data: body}
		writeJSON(w, map[string]any{"ctx": s.newCtx(b), "offset": len(b.data)})
	case "bput":
		b, ok := s.blocks[parts[1]]
		offset, _ := strconv.Atoi(parts[2])
		if !ok || offset != len(b.data) {
			writeJSON(w, map[string]any{"code": 701, "error": "bad ctx or offset"})
			return
		}
		b.data = append(append([]byte(nil), b.data...), body...)
		writeJSON(w, map[string]any{"ctx": s.newCtx(b), "offset": len(b.data)})
	case "mkfile":
		size, _ := strconv.Atoi(parts[1])
		var file []byte
		var ctxs []string
		if len(body) > 0 {
			ctxs = strings.Split(string(body), ",")
		}
		for i, c := range ctxs {
			b, ok := s.blocks[c]
			if !ok || b.id != i {
				writeJSON(w, map[string]any{"code": 702, "error": "unknown ctx " + c})
				return
			}
			file = append(file, b.data...)
		}
		if len(file) != size {
			writeJSON(w, map[string]any{"code": 703, "error": "size mismatch"})
			return
		}
		s.file, s.ctxs = file, ctxs
		writeJSON(w, map[string]any{"key": "done"})
	}
}

func (s *blockStore) newCtx(b *remoteBlock) string {
	s.seq++
	ctx := fmt.Sprintf("c%d-%d", b.id, s.seq)
	s.blocks[ctx] = &remoteBlock{id: b.id, data: b.data}
	return ctx
}

func (s *blockStore) assembled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeSource(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}
