package models

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// ChatRequest is the input of a single chat turn sent to the completion backend. The backend is stateless
// with respect to the conversation, so only the current user text travels with each request.
type ChatRequest struct {
	DeveloperMessage string `json:"developer_message,omitempty"`
	UserMessage      string `json:"user_message"`
	Model            string `json:"model"`
	APIKey           string `json:"api_key"`
	UseRAG           bool   `json:"use_rag"`
}

// Preferences holds the non-secret chat settings that survive restarts. The API key is deliberately not
// part of it.
type Preferences struct {
	DeveloperMessage string `json:"developerMessage"`
	UseRAG           bool   `json:"useRAG"`
}

// DocumentStatus describes the document currently indexed by the backend, if any.
type DocumentStatus struct {
	Present    bool
	Name       string
	ChunkCount int
}

// UploadResult is the backend's answer to a successful document upload.
type UploadResult struct {
	DocumentName string `json:"document_name"`
	ChunksCount  int    `json:"chunks_count"`
	Message      string `json:"message"`
}

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("github"),
		),
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

// RenderMarkdown renders message content into HTML. Raw HTML inside the content is omitted by the
// renderer, so the result is safe to embed in templates.
func RenderMarkdown(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}
