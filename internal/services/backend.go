package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
)

// Backend is the HTTP client of the completion and document indexing backend. Every endpoint lives under
// the same prefix, which differs between deployments ("" serves /chat, "/api" serves /api/chat).
type Backend struct {
	baseURL   string
	apiPrefix string

	// streamClient has no overall timeout, a chat stream may legitimately last minutes.
	streamClient *http.Client
	client       *http.Client

	logger *slog.Logger
}

type documentStatusResponse struct {
	HasDocument  bool    `json:"has_document"`
	DocumentName *string `json:"document_name"`
	VectorCount  int     `json:"vector_count"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// NewBackend creates a Backend rooted at baseURL. Timeout bounds the non-streaming calls (upload, status,
// health), zero disables it.
func NewBackend(baseURL, apiPrefix string, timeout time.Duration, logger *slog.Logger) Backend {
	return Backend{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiPrefix:    "/" + strings.Trim(apiPrefix, "/"),
		streamClient: &http.Client{},
		client:       &http.Client{Timeout: timeout},
		logger:       logger.With(slog.String("module", "backend")),
	}
}

func (b Backend) url(path string) string {
	if b.apiPrefix == "/" {
		return b.baseURL + path
	}
	return b.baseURL + b.apiPrefix + path
}

// Chat sends req to the chat endpoint and returns the response body, a plain text stream. The caller must
// close it. Network failures and non-2xx statuses are returned as *TransportError and are never retried.
func (b Backend) Chat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url("/chat"), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	b.logger.Debug("Sending chat request",
		slog.String("model", req.Model),
		slog.Bool("useRAG", req.UseRAG),
		slog.Int("userMessageLength", len(req.UserMessage)))

	resp, err := b.streamClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "chat", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &TransportError{
			Op:         "chat",
			StatusCode: resp.StatusCode,
			Detail:     detail(resp.Body),
		}
	}

	return resp.Body, nil
}

// UploadPDF uploads a PDF document for indexing. The file is streamed to the backend without being
// buffered in memory.
func (b Backend) UploadPDF(ctx context.Context, apiKey, filename string, file io.Reader) (models.UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeUploadForm(mw, apiKey, filename, file)
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url("/upload-pdf"), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return models.UploadResult{}, &TransportError{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return models.UploadResult{}, &TransportError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.UploadResult{}, &TransportError{
			Op:         "upload",
			StatusCode: resp.StatusCode,
			Detail:     detail(resp.Body),
		}
	}

	var res models.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return models.UploadResult{}, fmt.Errorf("error decoding upload response: %w", err)
	}

	b.logger.Info("Document uploaded",
		slog.String("document", res.DocumentName),
		slog.Int("chunks", res.ChunksCount))

	return res, nil
}

func writeUploadForm(mw *multipart.Writer, apiKey, filename string, file io.Reader) error {
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("error creating form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("error copying file: %w", err)
	}
	if err := mw.WriteField("api_key", apiKey); err != nil {
		return fmt.Errorf("error writing api_key field: %w", err)
	}
	return mw.Close()
}

// DocumentStatus fetches the status of the indexed document.
func (b Backend) DocumentStatus(ctx context.Context) (models.DocumentStatus, error) {
	var res documentStatusResponse
	if err := b.getJSON(ctx, "document-status", "/document-status", &res); err != nil {
		return models.DocumentStatus{}, err
	}

	status := models.DocumentStatus{
		Present:    res.HasDocument,
		ChunkCount: res.VectorCount,
	}
	if res.DocumentName != nil {
		status.Name = *res.DocumentName
	}
	return status, nil
}

// Health checks that the backend is up.
func (b Backend) Health(ctx context.Context) error {
	var res healthResponse
	if err := b.getJSON(ctx, "health", "/health", &res); err != nil {
		return err
	}
	if res.Status != "ok" {
		return fmt.Errorf("backend is not healthy: status %q", res.Status)
	}
	return nil
}

func (b Backend) getJSON(ctx context.Context, op, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url(path), nil)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Detail: detail(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("error decoding %s response: %w", op, err)
	}
	return nil
}

// detail extracts the "detail" field of an error response, falling back to the raw body.
func detail(r io.Reader) string {
	body := readErrorBody(r)

	var e errorResponse
	if err := json.Unmarshal([]byte(body), &e); err == nil && e.Detail != "" {
		return e.Detail
	}
	return body
}
