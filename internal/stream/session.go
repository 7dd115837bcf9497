// Package stream ingests a streamed completion into the conversation, one chunk at a time.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	"github.com/google/uuid"
)

// Transport opens the byte stream of one chat completion. A non-nil error means no stream was opened.
type Transport interface {
	Chat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error)
}

// Store is the part of the conversation a Session writes to.
type Store interface {
	Append(msg models.Message)
	UpdateContentByID(id, content string)
	Close(id string, incomplete bool)
}

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrorMessage is the text of the message appended when a stream fails.
const ErrorMessage = "Sorry, I encountered an error. Please check your API key and try again."

// DefaultChunkSize is the read buffer size used when none is configured.
const DefaultChunkSize = 4096

const errLoggerKey = "err"

// Session drives a single completion stream into a Store. It owns the identity of the open assistant
// message, the decoder carry-over and the accumulated text. A Session runs once.
type Session struct {
	store     Store
	chunkSize int
	logger    *slog.Logger

	state     State
	messageID string
	decoder   *Decoder
	acc       strings.Builder
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithChunkSize sets the maximum number of bytes pulled from the stream per read.
func WithChunkSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// NewSession creates an idle Session writing to store.
func NewSession(store Store, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		store:     store,
		chunkSize: DefaultChunkSize,
		logger:    logger.With(slog.String("module", "stream")),
		decoder:   NewDecoder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sends req through t and ingests the response. Any failure is converted into an error message in
// the store, and also returned so the caller can log it. Run never panics on transport, read or decode
// failures.
func (s *Session) Run(ctx context.Context, t Transport, req models.ChatRequest) error {
	if s.state != StateIdle {
		return ErrSessionUsed
	}

	body, err := t.Chat(ctx, req)
	if err != nil {
		s.fail(err)
		return err
	}
	defer body.Close()

	s.messageID = uuid.New().String()
	s.store.Append(models.Message{
		ID:             s.messageID,
		Role:           models.RoleAssistant,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateStreaming,
	})
	s.state = StateStreaming

	buf := make([]byte, s.chunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			text, derr := s.decoder.Decode(buf[:n])
			if text != "" {
				s.acc.WriteString(text)
				s.store.UpdateContentByID(s.messageID, s.acc.String())
			}
			if derr != nil {
				s.fail(derr)
				return derr
			}
		}

		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			break
		}

		err := &StreamError{Err: rerr}
		s.fail(err)
		return err
	}

	if err := s.decoder.Flush(); err != nil {
		s.fail(err)
		return err
	}

	s.store.Close(s.messageID, false)
	s.state = StateCompleted
	s.logger.Debug("Stream completed",
		slog.String("messageID", s.messageID),
		slog.Int("length", s.acc.Len()))

	return nil
}

func (s *Session) fail(err error) {
	s.logger.Error("Stream failed",
		slog.String("state", s.state.String()),
		slog.String("messageID", s.messageID),
		slog.String(errLoggerKey, err.Error()))

	if s.state == StateStreaming {
		s.store.Close(s.messageID, true)
	}
	s.state = StateFailed

	s.store.Append(models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleAssistant,
		Content:        ErrorMessage,
		Timestamp:      time.Now(),
		IsError:        true,
		StreamingState: models.StreamingStateEnded,
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// MessageID returns the id of the assistant message opened by the stream, or "" if none was opened.
func (s *Session) MessageID() string {
	return s.messageID
}

// Text returns everything decoded so far.
func (s *Session) Text() string {
	return s.acc.String()
}
