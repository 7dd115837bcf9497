package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI streams completions straight from an OpenAI compatible API, for deployments without the RAG
// backend. The API key comes with every request, so a client is built per call.
type OpenAI struct {
	baseURL string

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI transport. An empty baseURL uses the official endpoint.
func NewOpenAI(baseURL string, logger *slog.Logger) OpenAI {
	return OpenAI{
		baseURL: baseURL,
		logger:  logger.With(slog.String("module", "openai")),
	}
}

// Chat opens a streaming chat completion and exposes the text deltas as a byte stream. Errors raised before
// the stream is open are returned as *TransportError, later ones surface from Read on the returned body.
func (o OpenAI) Chat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	cfg := goopenai.DefaultConfig(req.APIKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	client := goopenai.NewClientWithConfig(cfg)

	if req.UseRAG {
		o.logger.Debug("Retrieval is not available without the RAG backend, ignoring use_rag")
	}

	var msgs []goopenai.ChatCompletionMessage
	if req.DeveloperMessage != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.DeveloperMessage,
		})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.UserMessage,
	})

	stream, err := client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		tErr := &TransportError{Op: "chat", Err: err}
		var apiErr *goopenai.APIError
		var reqErr *goopenai.RequestError
		switch {
		case errors.As(err, &apiErr):
			tErr.StatusCode = apiErr.HTTPStatusCode
			tErr.Detail = apiErr.Message
		case errors.As(err, &reqErr):
			tErr.StatusCode = reqErr.HTTPStatusCode
		}
		return nil, tErr
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					_ = pw.Close()
					return
				}
				_ = pw.CloseWithError(fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if content := response.Choices[0].Delta.Content; content != "" {
				if _, err := io.WriteString(pw, content); err != nil {
					// Reader went away.
					return
				}
			}
		}
	}()

	return pr, nil
}
