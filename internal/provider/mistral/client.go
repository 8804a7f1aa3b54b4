// Package mistral implements the vector-store provider interface against
// the Mistral document libraries API.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/attache-ai/attache/internal/model"
)

const (
	defaultBaseURL = "https://api.mistral.ai"
	defaultTimeout = 60 * time.Second
)

type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(apiKey, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		APIKey:     strings.TrimSpace(apiKey),
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type createLibraryRequest struct {
	Name string `json:"name"`
}

type libraryResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type documentResponse struct {
	ID string `json:"id"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Results []struct {
		DocumentID string  `json:"document_id"`
		Score      float64 `json:"score"`
		Snippet    string  `json:"snippet"`
	} `json:"results"`
}

func (c *Client) CreateIndex(ctx context.Context, displayName string) (string, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "library name is required", Retryable: false}
	}
	payload, err := json.Marshal(createLibraryRequest{Name: displayName})
	if err != nil {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to marshal library request", Retryable: false, Cause: err}
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/libraries", "application/json", payload)
	if err != nil {
		return "", err
	}

	var parsed libraryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to decode library response", Retryable: false, Cause: err}
	}
	if strings.TrimSpace(parsed.ID) == "" {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "library response had no id", Retryable: false}
	}
	return parsed.ID, nil
}

func (c *Client) UploadDocument(ctx context.Context, indexID string, doc model.IndexDocument) (string, error) {
	if strings.TrimSpace(indexID) == "" {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "library id is required", Retryable: false}
	}
	if len(doc.Content) == 0 {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "document content is empty", Retryable: false}
	}

	fileName := strings.TrimSpace(filepath.Base(doc.Name))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		fileName = "document.txt"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to build upload body", Retryable: false, Cause: err}
	}
	if _, err := part.Write(doc.Content); err != nil {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to write upload content", Retryable: false, Cause: err}
	}
	if err := writer.Close(); err != nil {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to finalize upload body", Retryable: false, Cause: err}
	}

	path := "/v1/libraries/" + url.PathEscape(indexID) + "/documents"
	respBody, err := c.do(ctx, http.MethodPost, path, writer.FormDataContentType(), body.Bytes())
	if err != nil {
		return "", err
	}

	var parsed documentResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to decode document response", Retryable: false, Cause: err}
	}
	if strings.TrimSpace(parsed.ID) == "" {
		return "", &model.ProviderError{Code: "MISTRAL_FAILED", Message: "document response had no id", Retryable: false}
	}
	return parsed.ID, nil
}

func (c *Client) DeleteIndex(ctx context.Context, indexID string) error {
	if strings.TrimSpace(indexID) == "" {
		return &model.ProviderError{Code: "MISTRAL_FAILED", Message: "library id is required", Retryable: false}
	}
	_, err := c.do(ctx, http.MethodDelete, "/v1/libraries/"+url.PathEscape(indexID), "", nil)
	return err
}

func (c *Client) SearchIndex(ctx context.Context, indexID, query string, k int) ([]model.IndexMatch, error) {
	if strings.TrimSpace(indexID) == "" {
		return nil, &model.ProviderError{Code: "MISTRAL_FAILED", Message: "library id is required", Retryable: false}
	}
	if k <= 0 {
		k = 10
	}
	payload, err := json.Marshal(searchRequest{Query: query, TopK: k})
	if err != nil {
		return nil, &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to marshal search request", Retryable: false, Cause: err}
	}

	path := "/v1/libraries/" + url.PathEscape(indexID) + "/search"
	body, err := c.do(ctx, http.MethodPost, path, "application/json", payload)
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to decode search response", Retryable: false, Cause: err}
	}
	matches := make([]model.IndexMatch, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		matches = append(matches, model.IndexMatch{
			RemoteRef: r.DocumentID,
			Score:     r.Score,
			Snippet:   r.Snippet,
		})
	}
	return matches, nil
}

// do issues one authenticated request and returns the response body. Every
// non-2xx status comes back as a ProviderError carrying the status code.
func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	apiKey := strings.TrimSpace(c.APIKey)
	if apiKey == "" {
		return nil, &model.ProviderError{
			Code:      "MISTRAL_AUTH",
			Message:   "missing Mistral API key",
			Retryable: false,
		}
	}

	baseURL := strings.TrimSpace(c.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return nil, &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to build request", Retryable: false, Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &model.ProviderError{Code: "MISTRAL_FAILED", Message: "request failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.ProviderError{Code: "MISTRAL_FAILED", Message: "failed to read response", Retryable: true, StatusCode: resp.StatusCode, Cause: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = fmt.Sprintf("mistral returned status %d", resp.StatusCode)
		}
		return nil, mapProviderError(resp.StatusCode, message)
	}
	return body, nil
}

func mapProviderError(statusCode int, message string) error {
	pe := &model.ProviderError{
		Code:       "MISTRAL_FAILED",
		Message:    message,
		Retryable:  false,
		StatusCode: statusCode,
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		pe.Code = "MISTRAL_AUTH"
		pe.Retryable = false
	case statusCode == http.StatusTooManyRequests:
		pe.Code = "MISTRAL_RATE_LIMIT"
		pe.Retryable = true
	case statusCode >= http.StatusInternalServerError:
		pe.Retryable = true
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		pe.Retryable = false
	default:
		pe.Retryable = true
	}

	return pe
}
