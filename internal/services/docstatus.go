package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
)

// DocumentStatusSource fetches the current document status from the backend.
type DocumentStatusSource interface {
	DocumentStatus(ctx context.Context) (models.DocumentStatus, error)
}

// DocumentStatusPoller caches the last known document status. A failed refresh keeps the previous value,
// the status display degrades to stale data instead of failing.
type DocumentStatusPoller struct {
	source DocumentStatusSource

	mu     sync.RWMutex
	status models.DocumentStatus

	logger *slog.Logger
}

// NewDocumentStatusPoller creates a poller with an empty cached status. Call Refresh to populate it.
func NewDocumentStatusPoller(source DocumentStatusSource, logger *slog.Logger) *DocumentStatusPoller {
	return &DocumentStatusPoller{
		source: source,
		logger: logger.With(slog.String("module", "docstatus")),
	}
}

// Refresh fetches the status and replaces the cached one. On failure the cache is left untouched and the
// error is logged and returned, callers are free to ignore it.
func (p *DocumentStatusPoller) Refresh(ctx context.Context) error {
	status, err := p.source.DocumentStatus(ctx)
	if err != nil {
		p.logger.Warn("Failed to refresh document status, keeping last known value",
			slog.String("err", err.Error()))
		return err
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()

	p.logger.Debug("Document status refreshed",
		slog.Bool("present", status.Present),
		slog.String("name", status.Name),
		slog.Int("chunks", status.ChunkCount))

	return nil
}

// Status returns the cached status.
func (p *DocumentStatusPoller) Status() models.DocumentStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.status
}
