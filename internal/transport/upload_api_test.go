package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadAPIProtocol(t *testing.T) {
	var paths []string
	var mkfileBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "UpToken secret", r.Header.Get("Authorization"))
		assert.Equal(t, "batch-1", r.Header.Get("UploadBatch"))

		body, _ := io.ReadAll(r.Body)
		paths = append(paths, r.URL.Path)

		switch r.URL.Path {
		case "/up/mkblk/8/0":
			assert.Equal(t, "abcd", string(body))
			w.Write([]byte(`{"ctx":"c1","offset":4}`))
		case "/up/bput/c1/4":
			assert.Equal(t, "efgh", string(body))
			w.Write([]byte(`{"ctx":"c2","offset":8}`))
		case "/up/mkfile/8":
			mkfileBody = string(body)
			w.Write([]byte(`{"key":"file"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	api := NewUploadAPI(NewClient(testOptions()), server.URL+"/up/", "UpToken secret", "batch-1")
	ctx := context.Background()

	res, err := api.MakeBlock(ctx, 8, 0, []byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, &ChunkResult{Ctx: "c1", Offset: 4}, res)

	res, err = api.PutChunk(ctx, res.Ctx, res.Offset, []byte("efgh"))
	require.NoError(t, err)
	assert.Equal(t, &ChunkResult{Ctx: "c2", Offset: 8}, res)

	require.NoError(t, api.MakeFile(ctx, 8, []string{"c2", "z9"}))
	assert.Equal(t, "c2,z9", mkfileBody)
	assert.Equal(t, []string{"/up/mkblk/8/0", "/up/bput/c1/4", "/up/mkfile/8"}, paths)
}

func TestUploadAPIErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":701,"error":"block checksum mismatch"}`))
	}))
	defer server.Close()

	api := NewUploadAPI(NewClient(testOptions()), server.URL, "t", "s")
	_, err := api.MakeBlock(context.Background(), 4, 0, []byte("data"))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrProtocol)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "701", apiErr.Code)
	assert.Equal(t, "block checksum mismatch", apiErr.Message)
}

func TestUploadAPIServerErrorWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	api := NewUploadAPI(NewClient(testOptions()), server.URL, "t", "s")
	err := api.MakeFile(context.Background(), 4, []string{"c"})
	assert.ErrorIs(t, err, ErrServerError)
}
