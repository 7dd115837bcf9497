package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/rag-chat-ui/internal/handlers"
	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	"github.com/MegaGrindStone/rag-chat-ui/internal/services"
)

type mockTransport struct {
	chunks []string
	err    error

	// release, when set, blocks Chat until it is closed.
	release chan struct{}

	mu   sync.Mutex
	reqs []models.ChatRequest
}

type mockPrefs struct {
	mu    sync.Mutex
	prefs models.Preferences
	err   error
}

type mockDocs struct {
	res models.UploadResult
	err error

	gotFilename string
	gotAPIKey   string
	gotBody     string
}

type mockStatus struct {
	status    models.DocumentStatus
	refreshes int
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockTransport{}, &mockPrefs{}, testLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	prefs := &mockPrefs{prefs: models.Preferences{DeveloperMessage: "Be brief.", UseRAG: true}}
	status := &mockStatus{status: models.DocumentStatus{Present: true, Name: "manual.pdf", ChunkCount: 12}}

	tests := []struct {
		name       string
		method     string
		url        string
		opts       []handlers.MainOption
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "Home page",
			method:     http.MethodGet,
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Be brief.", "gpt-4o-mini"},
		},
		{
			name:       "Home page with documents",
			method:     http.MethodGet,
			url:        "/",
			opts:       []handlers.MainOption{handlers.WithDocuments(&mockDocs{}, status)},
			wantStatus: http.StatusOK,
			wantBody:   []string{"manual.pdf", "12 chunks", "upload-form"},
		},
		{
			name:       "Custom model",
			method:     http.MethodGet,
			url:        "/",
			opts:       []handlers.MainOption{handlers.WithModel("llama3.2")},
			wantStatus: http.StatusOK,
			wantBody:   []string{"llama3.2"},
		},
		{
			name:       "Unknown path",
			method:     http.MethodGet,
			url:        "/unknown",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPost,
			url:        "/",
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, err := handlers.NewMain(&mockTransport{}, prefs, testLogger(), tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			defer main.Shutdown(context.Background())

			req := httptest.NewRequest(tt.method, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
		})
	}
}

func TestHandleChatsValidation(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		form       url.Values
		opts       []handlers.MainOption
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			form:       url.Values{"message": {"   "}, "api_key": {"sk-test"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing API key",
			method:     http.MethodPost,
			form:       url.Values{"message": {"Hello"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "API key not required",
			method:     http.MethodPost,
			form:       url.Values{"message": {"Hello"}},
			opts:       []handlers.MainOption{handlers.WithoutAPIKey()},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "Accepted",
			method:     http.MethodPost,
			form:       url.Values{"message": {"Hello"}, "api_key": {"sk-test"}},
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, err := handlers.NewMain(&mockTransport{chunks: []string{"Hi"}}, &mockPrefs{}, testLogger(), tt.opts...)
			if err != nil {
				t.Fatal(err)
			}

			w := postForm(main.HandleChats, tt.method, tt.form)
			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if err := main.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestHandleChatsStreamsResponse(t *testing.T) {
	transport := &mockTransport{chunks: []string{"Hel", "lo ", "wor", "ld"}}
	prefs := &mockPrefs{}

	main, err := handlers.NewMain(transport, prefs, testLogger(), handlers.WithModel("test-model"))
	if err != nil {
		t.Fatal(err)
	}

	w := postForm(main.HandleChats, http.MethodPost, url.Values{
		"message":           {"  Say hello  "},
		"api_key":           {"sk-test"},
		"developer_message": {"Be brief."},
		"use_rag":           {"true"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	if err := main.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	msgs := main.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "Say hello" {
		t.Errorf("first message = %+v, want the trimmed user message", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hello world" {
		t.Errorf("second message = %+v, want assistant %q", msgs[1], "Hello world")
	}
	if msgs[1].Open() || msgs[1].Incomplete || msgs[1].IsError {
		t.Errorf("assistant message = %+v, want closed and complete", msgs[1])
	}

	reqs := transport.requests()
	if len(reqs) != 1 {
		t.Fatalf("transport requests = %d, want 1", len(reqs))
	}
	want := models.ChatRequest{
		DeveloperMessage: "Be brief.",
		UserMessage:      "Say hello",
		Model:            "test-model",
		APIKey:           "sk-test",
		UseRAG:           true,
	}
	if reqs[0] != want {
		t.Errorf("transport request = %+v, want %+v", reqs[0], want)
	}

	saved, _ := prefs.Preferences(context.Background())
	if saved != (models.Preferences{DeveloperMessage: "Be brief.", UseRAG: true}) {
		t.Errorf("saved preferences = %+v", saved)
	}
}

func TestHandleChatsTransportError(t *testing.T) {
	transport := &mockTransport{err: &services.TransportError{Op: "chat", StatusCode: http.StatusInternalServerError}}

	main, err := handlers.NewMain(transport, &mockPrefs{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	w := postForm(main.HandleChats, http.MethodPost, url.Values{"message": {"Hello"}, "api_key": {"sk-test"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	if err := main.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := main.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() len = %d, want 2", len(msgs))
	}
	if !msgs[1].IsError {
		t.Errorf("second message = %+v, want an error message", msgs[1])
	}
	for _, msg := range msgs {
		if msg.Open() {
			t.Errorf("message %s still open", msg.ID)
		}
	}
}

func TestHandleChatsRejectsWhileStreaming(t *testing.T) {
	transport := &mockTransport{chunks: []string{"done"}, release: make(chan struct{})}

	main, err := handlers.NewMain(transport, &mockPrefs{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	form := url.Values{"message": {"first"}, "api_key": {"sk-test"}}
	if w := postForm(main.HandleChats, http.MethodPost, form); w.Code != http.StatusAccepted {
		t.Fatalf("first HandleChats() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	form.Set("message", "second")
	if w := postForm(main.HandleChats, http.MethodPost, form); w.Code != http.StatusConflict {
		t.Errorf("second HandleChats() status = %v, want %v", w.Code, http.StatusConflict)
	}

	close(transport.release)
	if err := main.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	msgs := main.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[1].Content != "done" {
		t.Errorf("Messages() = %+v", msgs)
	}
}

func TestHandleDocuments(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		apiKey     string
		docs       *mockDocs
		wantStatus int
		wantBody   string
		wantUpload bool
	}{
		{
			name:       "Not a PDF",
			filename:   "notes.txt",
			apiKey:     "sk-test",
			docs:       &mockDocs{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Missing API key",
			filename:   "manual.pdf",
			docs:       &mockDocs{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Uploaded",
			filename:   "manual.PDF",
			apiKey:     "sk-test",
			docs:       &mockDocs{res: models.UploadResult{DocumentName: "manual.PDF", ChunksCount: 3, Message: "Indexed 3 chunks"}},
			wantStatus: http.StatusOK,
			wantBody:   "Indexed 3 chunks",
			wantUpload: true,
		},
		{
			name:     "Backend failure",
			filename: "manual.pdf",
			apiKey:   "sk-test",
			docs: &mockDocs{err: &services.TransportError{
				Op: "upload", StatusCode: http.StatusBadRequest, Detail: "Only PDF files are supported",
			}},
			wantStatus: http.StatusBadGateway,
			wantBody:   "Upload failed: Only PDF files are supported",
			wantUpload: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := &mockStatus{}
			main, err := handlers.NewMain(&mockTransport{}, &mockPrefs{}, testLogger(), handlers.WithDocuments(tt.docs, status))
			if err != nil {
				t.Fatal(err)
			}
			defer main.Shutdown(context.Background())

			body, contentType := uploadForm(t, tt.filename, tt.apiKey, "%PDF-1.4")
			req := httptest.NewRequest(http.MethodPost, "/documents", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()

			main.HandleDocuments(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleDocuments() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleDocuments() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}

			if got := tt.docs.gotFilename != ""; got != tt.wantUpload {
				t.Fatalf("upload called = %v, want %v", got, tt.wantUpload)
			}
			if !tt.wantUpload {
				return
			}
			if tt.docs.gotAPIKey != tt.apiKey || tt.docs.gotBody != "%PDF-1.4" {
				t.Errorf("upload got key %q body %q", tt.docs.gotAPIKey, tt.docs.gotBody)
			}
			if tt.docs.err == nil && status.refreshes != 1 {
				t.Errorf("status refreshes = %d, want 1", status.refreshes)
			}
			if len(main.Messages()) != 0 {
				t.Errorf("Messages() = %+v, want the conversation untouched", main.Messages())
			}
		})
	}
}

func TestHandleDocumentsDisabled(t *testing.T) {
	main, err := handlers.NewMain(&mockTransport{}, &mockPrefs{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer main.Shutdown(context.Background())

	for _, h := range []http.HandlerFunc{main.HandleDocuments, main.HandleDocumentStatus} {
		w := httptest.NewRecorder()
		h(w, httptest.NewRequest(http.MethodGet, "/documents", nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %v, want %v", w.Code, http.StatusNotFound)
		}
	}
}

func TestHandleDocumentStatus(t *testing.T) {
	status := &mockStatus{status: models.DocumentStatus{Present: true, Name: "guide.pdf", ChunkCount: 7}}
	main, err := handlers.NewMain(&mockTransport{}, &mockPrefs{}, testLogger(), handlers.WithDocuments(&mockDocs{}, status))
	if err != nil {
		t.Fatal(err)
	}
	defer main.Shutdown(context.Background())

	w := httptest.NewRecorder()
	main.HandleDocumentStatus(w, httptest.NewRequest(http.MethodGet, "/documents/status", nil))

	if w.Code != http.StatusOK {
		t.Errorf("HandleDocumentStatus() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "guide.pdf") {
		t.Errorf("HandleDocumentStatus() body = %v, want to contain guide.pdf", w.Body.String())
	}
	if status.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", status.refreshes)
	}
}

func postForm(h http.HandlerFunc, method string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/chats", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func uploadForm(t *testing.T, filename, apiKey, content string) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("api_key", apiKey); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func (m *mockTransport) Chat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return io.NopCloser(strings.NewReader(strings.Join(m.chunks, ""))), nil
}

func (m *mockTransport) requests() []models.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatRequest(nil), m.reqs...)
}

func (m *mockPrefs) Preferences(_ context.Context) (models.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs, m.err
}

func (m *mockPrefs) SavePreferences(_ context.Context, prefs models.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.prefs = prefs
	return nil
}

func (m *mockDocs) UploadPDF(_ context.Context, apiKey, filename string, file io.Reader) (models.UploadResult, error) {
	m.gotFilename = filename
	m.gotAPIKey = apiKey
	b, err := io.ReadAll(file)
	if err != nil {
		return models.UploadResult{}, err
	}
	m.gotBody = string(b)
	return m.res, m.err
}

func (m *mockStatus) Refresh(_ context.Context) error {
	m.refreshes++
	if m.status == (models.DocumentStatus{}) {
		return errors.New("backend unavailable")
	}
	return nil
}

func (m *mockStatus) Status() models.DocumentStatus {
	return m.status
}
