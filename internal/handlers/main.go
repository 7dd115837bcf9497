package handlers

import (
	"context"
	"html/template"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ragchatui "github.com/MegaGrindStone/rag-chat-ui"
	"github.com/MegaGrindStone/rag-chat-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	"github.com/MegaGrindStone/rag-chat-ui/internal/stream"
	"github.com/tmaxmax/go-sse"
)

// DocumentIndex uploads documents to the indexing backend.
type DocumentIndex interface {
	UploadPDF(ctx context.Context, apiKey, filename string, file io.Reader) (models.UploadResult, error)
}

// StatusPoller provides the cached status of the indexed document and refreshes it on demand.
type StatusPoller interface {
	Refresh(ctx context.Context) error
	Status() models.DocumentStatus
}

// PreferenceStore persists the non-secret chat settings between runs.
type PreferenceStore interface {
	Preferences(ctx context.Context) (models.Preferences, error)
	SavePreferences(ctx context.Context, prefs models.Preferences) error
}

// Main handles the core functionality of the chat application: it serves the page, accepts chat and
// upload requests, runs the single active stream and pushes every transcript change to the browser
// through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	transport stream.Transport
	conv      *conversation.Conversation
	prefs     PreferenceStore
	docs      DocumentIndex
	status    StatusPoller

	model         string
	requireAPIKey bool
	chunkSize     int

	// busy is the single slot guarding against a second stream while one is active.
	busy    *atomic.Bool
	streams *sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	logger *slog.Logger
}

// MainOption configures optional parts of Main.
type MainOption func(*Main)

const (
	errLoggerKey = "err"

	defaultModel = "gpt-4o-mini"
)

// WithDocuments enables document upload and status display.
func WithDocuments(docs DocumentIndex, status StatusPoller) MainOption {
	return func(m *Main) {
		m.docs = docs
		m.status = status
	}
}

// WithModel sets the model name sent with every chat request.
func WithModel(model string) MainOption {
	return func(m *Main) {
		if model != "" {
			m.model = model
		}
	}
}

// WithoutAPIKey lets users chat without providing an API key, for transports that need none.
func WithoutAPIKey() MainOption {
	return func(m *Main) {
		m.requireAPIKey = false
	}
}

// WithChunkSize sets the read size used by the stream sessions.
func WithChunkSize(n int) MainOption {
	return func(m *Main) {
		m.chunkSize = n
	}
}

// NewMain creates a new Main instance with the provided transport and preference store. It parses the
// required HTML templates from the embedded filesystem and subscribes the SSE publisher to the
// conversation, so every message change is pushed to connected browsers.
func NewMain(transport stream.Transport, prefs PreferenceStore, logger *slog.Logger, opts ...MainOption) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		ragchatui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := Main{
		sseSrv:        &sse.Server{},
		templates:     tmpl,
		transport:     transport,
		conv:          conversation.New(),
		prefs:         prefs,
		model:         defaultModel,
		requireAPIKey: true,
		chunkSize:     stream.DefaultChunkSize,
		busy:          &atomic.Bool{},
		streams:       &sync.WaitGroup{},
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}

	m.conv.Subscribe(m.publishChange)

	return m, nil
}

// Messages returns a snapshot of the transcript.
func (m Main) Messages() []models.Message {
	return m.conv.Snapshot()
}

// Shutdown gracefully terminates the Main instance. It lets the active stream finish until ctx is done,
// cancels it after that, then broadcasts a close message to all connected clients and waits up to 5
// seconds for the SSE connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.streams.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Cancelling active stream on shutdown")
		m.cancel()
		<-done
	}
	m.cancel()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
