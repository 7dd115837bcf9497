package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
)

type homePageData struct {
	Messages    []message
	Preferences models.Preferences
	Model       string

	RequireAPIKey bool
	Streaming     bool

	DocumentsEnabled bool
	Status           statusData
}

// HandleHome renders the chat page with the current transcript, the saved preferences and, when document
// indexing is available, the last known document status.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	prefs, err := m.prefs.Preferences(r.Context())
	if err != nil {
		// Defaults are still usable, the page should not fail because of them.
		m.logger.Warn("Failed to load preferences", slog.String(errLoggerKey, err.Error()))
	}

	snapshot := m.conv.Snapshot()
	msgs := make([]message, len(snapshot))
	for i := range snapshot {
		view, err := messageView(snapshot[i])
		if err != nil {
			m.logger.Error("Failed to render contents",
				slog.String("message", fmt.Sprintf("%+v", snapshot[i])),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		msgs[i] = view
	}

	data := homePageData{
		Messages:         msgs,
		Preferences:      prefs,
		Model:            m.model,
		RequireAPIKey:    m.requireAPIKey,
		Streaming:        m.busy.Load(),
		DocumentsEnabled: m.docs != nil,
	}
	if m.status != nil {
		data.Status = statusData{DocumentStatus: m.status.Status()}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE serves the server-sent event stream carrying transcript updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}
