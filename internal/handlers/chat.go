package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	"github.com/MegaGrindStone/rag-chat-ui/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	IsError        bool
	Incomplete     bool
	StreamingState string
}

// SSE event types for real-time updates.
var (
	messageAppendedSSEType = sse.Type("messageAppended")
	messageUpdatedSSEType  = sse.Type("messageUpdated")
	streamStateSSEType     = sse.Type("streamState")
)

// HandleChats accepts a user message through HTTP POST form data and starts streaming the assistant's
// answer. The form carries "message", "api_key", "developer_message" and "use_rag".
//
// The handler only validates, records the user message and starts the stream on a goroutine, then answers
// 202 Accepted. Everything the user sees afterwards, including their own message, is rendered from the
// conversation changes pushed over SSE. Only one stream may be active, a second request while one is
// running gets 409 Conflict.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	apiKey := strings.TrimSpace(r.FormValue("api_key"))
	if m.requireAPIKey && apiKey == "" {
		m.logger.Error("API key is required")
		http.Error(w, "API key is required", http.StatusBadRequest)
		return
	}

	prefs := models.Preferences{
		DeveloperMessage: strings.TrimSpace(r.FormValue("developer_message")),
		UseRAG:           formBool(r.FormValue("use_rag")),
	}

	if !m.busy.CompareAndSwap(false, true) {
		m.logger.Warn("Rejected message while a response is streaming")
		http.Error(w, "A response is still streaming", http.StatusConflict)
		return
	}

	m.conv.Append(models.Message{
		ID:             uuid.New().String(),
		Role:           models.RoleUser,
		Content:        msg,
		Timestamp:      time.Now(),
		StreamingState: models.StreamingStateEnded,
	})

	if err := m.prefs.SavePreferences(r.Context(), prefs); err != nil {
		m.logger.Warn("Failed to save preferences", slog.String(errLoggerKey, err.Error()))
	}

	req := models.ChatRequest{
		DeveloperMessage: prefs.DeveloperMessage,
		UserMessage:      msg,
		Model:            m.model,
		APIKey:           apiKey,
		UseRAG:           prefs.UseRAG,
	}

	m.streams.Add(1)
	go m.chat(req)

	w.WriteHeader(http.StatusAccepted)
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "off", "no":
		return false
	default:
		return true
	}
}

func (m Main) chat(req models.ChatRequest) {
	defer m.streams.Done()

	m.publishStreamState(stream.StateStreaming)
	defer func() {
		m.busy.Store(false)
		m.publishStreamState(stream.StateIdle)
	}()

	s := stream.NewSession(m.conv, m.logger, stream.WithChunkSize(m.chunkSize))
	if err := s.Run(m.ctx, m.transport, req); err != nil {
		// The session already turned the failure into an error message.
		return
	}

	m.logger.Info("Response streamed",
		slog.String("messageID", s.MessageID()),
		slog.Int("length", len(s.Text())))
}

// publishChange renders the changed message and pushes it to every connected browser. The whole message
// is rendered each time, so applying the same event twice is harmless.
func (m Main) publishChange(ch conversation.Change) {
	html, err := m.renderMessage(ch.Message)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("message", fmt.Sprintf("%+v", ch.Message)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{}
	switch ch.Kind {
	case conversation.ChangeAppended:
		msg.Type = messageAppendedSSEType
		msg.AppendData(html)
	default:
		// The browser receives "<id>\n<html>": data lines are joined with newlines.
		msg.Type = messageUpdatedSSEType
		msg.AppendData(ch.Message.ID, html)
	}

	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", ch.Message.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishStreamState(state stream.State) {
	msg := sse.Message{Type: streamStateSSEType}
	msg.AppendData(state.String())
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish stream state", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) renderMessage(msg models.Message) (string, error) {
	view, err := messageView(msg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message", view); err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return sb.String(), nil
}

func messageView(msg models.Message) (message, error) {
	var content template.HTML
	if msg.Role == models.RoleAssistant && !msg.IsError {
		rendered, err := models.RenderMarkdown(msg.Content)
		if err != nil {
			return message{}, err
		}
		content = rendered
	} else {
		content = template.HTML(template.HTMLEscapeString(msg.Content))
	}

	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.Timestamp,
		IsError:        msg.IsError,
		Incomplete:     msg.Incomplete,
		StreamingState: msg.StreamingState,
	}, nil
}
