package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	"github.com/MegaGrindStone/rag-chat-ui/internal/services"
)

type statusData struct {
	models.DocumentStatus

	Notice string
	Error  string
}

const maxUploadSize = 50 << 20

// HandleDocuments accepts a PDF upload ("file" and "api_key" multipart fields) and forwards it to the
// indexing backend. On success the document status is refreshed and the status partial is returned.
// Upload failures never affect the conversation.
func (m Main) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	if m.docs == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		m.logger.Error("Failed to read uploaded file", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "A PDF file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		http.Error(w, "Only PDF files are allowed", http.StatusBadRequest)
		return
	}

	apiKey := strings.TrimSpace(r.FormValue("api_key"))
	if m.requireAPIKey && apiKey == "" {
		http.Error(w, "API key is required", http.StatusBadRequest)
		return
	}

	res, err := m.docs.UploadPDF(r.Context(), apiKey, header.Filename, file)
	if err != nil {
		m.logger.Error("Failed to upload document",
			slog.String("filename", header.Filename),
			slog.String(errLoggerKey, err.Error()))

		msg := err.Error()
		var tErr *services.TransportError
		if errors.As(err, &tErr) && tErr.Detail != "" {
			msg = tErr.Detail
		}
		m.renderStatus(w, http.StatusBadGateway, statusData{Error: "Upload failed: " + msg})
		return
	}

	notice := res.Message
	if notice == "" {
		notice = "Uploaded " + res.DocumentName
	}
	if m.status != nil {
		// A failed refresh keeps the previous status, the upload itself still succeeded.
		_ = m.status.Refresh(r.Context())
	}

	m.renderStatus(w, http.StatusOK, statusData{Notice: notice})
}

// HandleDocumentStatus refreshes the document status and renders it. When the backend cannot be reached
// the last known status is shown.
func (m Main) HandleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	if m.status == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_ = m.status.Refresh(r.Context())
	m.renderStatus(w, http.StatusOK, statusData{})
}

func (m Main) renderStatus(w http.ResponseWriter, code int, data statusData) {
	if m.status != nil {
		data.DocumentStatus = m.status.Status()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := m.templates.ExecuteTemplate(w, "document_status", data); err != nil {
		m.logger.Error("Failed to execute document_status template", slog.String(errLoggerKey, err.Error()))
	}
}
