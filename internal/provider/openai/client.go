// Package openai adapts the OpenAI Assistants file and vector store
// API to the provider interfaces. A vector store is one index and an
// uploaded file is one document. OpenAI exposes no standalone snippet
// search endpoint, so this client does not implement IndexSearcher.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/attache-ai/attache/internal/model"
)

// Client talks to the OpenAI API through the official SDK surface.
type Client struct {
	apiKey string
	api    *openai.Client
}

// NewClient builds a client for the given key. baseURL overrides the
// public endpoint when non-empty and must include the /v1 prefix.
func NewClient(apiKey, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{apiKey: apiKey, api: openai.NewClientWithConfig(cfg)}
}

func (c *Client) CreateIndex(ctx context.Context, displayName string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	vs, err := c.api.CreateVectorStore(ctx, openai.VectorStoreRequest{Name: displayName})
	if err != nil {
		return "", mapError("create vector store", err)
	}
	return vs.ID, nil
}

// UploadDocument uploads the document bytes as an assistants file and
// attaches it to the vector store. The returned ref is the file id,
// which outlives the vector store attachment.
func (c *Client) UploadDocument(ctx context.Context, indexID string, doc model.IndexDocument) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	file, err := c.api.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    uploadName(doc.Name),
		Bytes:   doc.Content,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", mapError("upload file", err)
	}
	_, err = c.api.CreateVectorStoreFile(ctx, indexID, openai.VectorStoreFileRequest{FileID: file.ID})
	if err != nil {
		return "", mapError("attach file", err)
	}
	return file.ID, nil
}

func (c *Client) DeleteIndex(ctx context.Context, indexID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if _, err := c.api.DeleteVectorStore(ctx, indexID); err != nil {
		return mapError("delete vector store", err)
	}
	return nil
}

func (c *Client) ready() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return &model.ProviderError{
			Code:    "OPENAI_AUTH",
			Message: "openai: API key is not configured",
		}
	}
	return nil
}

func uploadName(name string) string {
	base := strings.TrimSpace(filepath.Base(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "document.txt"
	}
	return base
}

func mapError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return providerError(op, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providerError(op, reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	return &model.ProviderError{
		Code:      "OPENAI_FAILED",
		Message:   fmt.Sprintf("openai: %s: %v", op, err),
		Retryable: true,
		Cause:     err,
	}
}

func providerError(op string, status int, detail string, cause error) *model.ProviderError {
	pe := &model.ProviderError{
		Code:       "OPENAI_FAILED",
		Message:    fmt.Sprintf("openai: %s: %s", op, detail),
		StatusCode: status,
		Cause:      cause,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Code = "OPENAI_AUTH"
	case status == http.StatusTooManyRequests:
		pe.Code = "OPENAI_RATE_LIMIT"
		pe.Retryable = true
	case status >= 500:
		pe.Retryable = true
	}
	return pe
}
