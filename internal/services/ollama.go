package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/rag-chat-ui/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams completions from a local Ollama server. It needs no API key.
type Ollama struct {
	host  string
	model string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The model overrides
// the one carried by the chat request, since Ollama model names differ from hosted ones.
func NewOllama(host, model string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat starts a streaming chat and returns once the first response arrived or the call failed, so an
// unreachable server or an unknown model is reported as *TransportError rather than as a broken stream.
func (o Ollama) Chat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	var msgs []api.Message
	if req.DeveloperMessage != "" {
		msgs = append(msgs, api.Message{
			Role:    "system",
			Content: req.DeveloperMessage,
		})
	}
	msgs = append(msgs, api.Message{
		Role:    "user",
		Content: req.UserMessage,
	})

	model := o.model
	if model == "" {
		model = req.Model
	}

	t := true
	chatReq := api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &t,
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	started := make(chan struct{})
	failed := make(chan error, 1)

	go func() {
		defer cancel()

		first := true
		err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if first {
				first = false
				close(started)
			}
			if res.Message.Content == "" {
				return nil
			}
			_, err := io.WriteString(pw, res.Message.Content)
			return err
		})
		if first {
			if err == nil {
				err = errors.New("ollama returned no response")
			}
			failed <- err
			_ = pw.CloseWithError(err)
			return
		}
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("error receiving response: %w", err))
			return
		}
		_ = pw.Close()
	}()

	select {
	case <-started:
		return readCloser{Reader: pr, close: func() error {
			cancel()
			return pr.Close()
		}}, nil
	case err := <-failed:
		o.logger.Warn("Ollama chat failed",
			slog.String("host", o.host),
			slog.String("model", model),
			slog.String("err", err.Error()))
		tErr := &TransportError{Op: "chat", Err: err}
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			tErr.StatusCode = statusErr.StatusCode
			tErr.Detail = statusErr.ErrorMessage
		}
		return nil, tErr
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	return r.close()
}
