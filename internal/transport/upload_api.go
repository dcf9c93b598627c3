package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxAPIResponse = 1 << 20

// ChunkResult is the remote store's answer to mkblk and bput.
type ChunkResult struct {
	Ctx    string
	Offset int64
}

type apiResponse struct {
	Ctx    string          `json:"ctx"`
	Offset int64           `json:"offset"`
	Code   json.RawMessage `json:"code"`
	Error  string          `json:"error"`
}

// UploadAPI speaks the resumable block upload protocol against one base
// URL. Every call carries the credential and the batch session id.
type UploadAPI struct {
	client  *http.Client
	baseURL string
	token   string
	session string
}

// NewUploadAPI binds the protocol to one upload session.
func NewUploadAPI(c *Client, baseURL, token, session string) *UploadAPI {
	return &UploadAPI{
		client:  c.client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		session: session,
	}
}

// MakeBlock creates block blockID of blockSize bytes with its first chunk.
func (a *UploadAPI) MakeBlock(ctx context.Context, blockSize int64, blockID int, data []byte) (*ChunkResult, error) {
	url := fmt.Sprintf("%s/mkblk/%d/%d", a.baseURL, blockSize, blockID)
	return a.postChunk(ctx, url, data)
}

// PutChunk appends data to the block identified by blockCtx at offset.
func (a *UploadAPI) PutChunk(ctx context.Context, blockCtx string, offset int64, data []byte) (*ChunkResult, error) {
	url := fmt.Sprintf("%s/bput/%s/%d", a.baseURL, blockCtx, offset)
	return a.postChunk(ctx, url, data)
}

// MakeFile assembles the file from per-block contexts given in id order.
func (a *UploadAPI) MakeFile(ctx context.Context, fileSize int64, ctxs []string) error {
	url := a.baseURL + "/mkfile/" + strconv.FormatInt(fileSize, 10)
	body := []byte(strings.Join(ctxs, ","))

	_, err := a.post(ctx, url, "text/plain", body)
	return err
}

func (a *UploadAPI) postChunk(ctx context.Context, url string, data []byte) (*ChunkResult, error) {
	resp, err := a.post(ctx, url, "application/octet-stream", data)
	if err != nil {
		return nil, err
	}
	return &ChunkResult{Ctx: resp.Ctx, Offset: resp.Offset}, nil
}

func (a *UploadAPI) post(ctx context.Context, url, contentType string, body []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", a.token)
	req.Header.Set("UploadBatch", a.session)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out apiResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			if statusErr := checkStatusCode(resp.StatusCode); statusErr != nil {
				return nil, statusErr
			}
			return nil, fmt.Errorf("%w: malformed response: %v", ErrProtocol, err)
		}
	}

	if code := bytes.TrimSpace(out.Code); len(code) > 0 && string(code) != "null" {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Code:    strings.Trim(string(code), `"`),
			Message: out.Error,
		}
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, err
	}
	return &out, nil
}
