package mistral

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/attache-ai/attache/internal/model"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, body string, r *http.Request) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
		Request:    r,
	}
}

func TestCreateIndex(t *testing.T) {
	var (
		gotPath   string
		gotMethod string
		gotAuth   string
		gotBody   string
	)
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		return jsonResponse(http.StatusOK, `{"id":"lib-123","name":"attache-sess"}`, r), nil
	})

	client := NewClient("test-key", "")
	client.HTTPClient = &http.Client{Transport: rt}

	id, err := client.CreateIndex(context.Background(), "attache-sess")
	if err != nil {
		t.Fatalf("CreateIndex failed: %v", err)
	}
	if id != "lib-123" {
		t.Fatalf("index id = %q, want lib-123", id)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/libraries" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"name":"attache-sess"`) {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestUploadDocumentMultipart(t *testing.T) {
	var gotReq *http.Request
	var gotFileName string
	var gotContent []byte

	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotReq = r
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/form-data" {
			t.Errorf("unexpected content type: %q (%v)", r.Header.Get("Content-Type"), err)
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		part, err := reader.NextPart()
		if err != nil {
			t.Errorf("reading multipart: %v", err)
		} else {
			gotFileName = part.FileName()
			gotContent, _ = io.ReadAll(part)
		}
		return jsonResponse(http.StatusOK, `{"id":"doc-9"}`, r), nil
	})

	client := NewClient("test-key", "")
	client.HTTPClient = &http.Client{Transport: rt}

	ref, err := client.UploadDocument(context.Background(), "lib-123", model.IndexDocument{
		Name:    "src/main.go",
		Content: []byte("package main"),
	})
	if err != nil {
		t.Fatalf("UploadDocument failed: %v", err)
	}
	if ref != "doc-9" {
		t.Fatalf("remote ref = %q, want doc-9", ref)
	}
	if gotReq.URL.Path != "/v1/libraries/lib-123/documents" {
		t.Fatalf("unexpected path: %q", gotReq.URL.Path)
	}
	if gotFileName != "main.go" {
		t.Fatalf("file name = %q, want main.go", gotFileName)
	}
	if string(gotContent) != "package main" {
		t.Fatalf("uploaded content = %q", gotContent)
	}
}

func TestDeleteIndexMapsMissingTo404(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/libraries/lib-gone" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		return jsonResponse(http.StatusNotFound, `{"detail":"library not found"}`, r), nil
	})

	client := NewClient("test-key", "")
	client.HTTPClient = &http.Client{Transport: rt}

	err := client.DeleteIndex(context.Background(), "lib-gone")
	if err == nil {
		t.Fatalf("expected error for 404 delete")
	}
	if !model.IsAbsent(err) {
		t.Fatalf("expected absent classification, got %v", err)
	}
}

func TestSearchIndex(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v1/libraries/lib-123/search" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"top_k":5`) {
			t.Errorf("unexpected search body: %s", body)
		}
		return jsonResponse(http.StatusOK,
			`{"results":[{"document_id":"doc-1","score":0.91,"snippet":"func main"},{"document_id":"doc-2","score":0.55,"snippet":""}]}`, r), nil
	})

	client := NewClient("test-key", "")
	client.HTTPClient = &http.Client{Transport: rt}

	matches, err := client.SearchIndex(context.Background(), "lib-123", "entry point", 5)
	if err != nil {
		t.Fatalf("SearchIndex failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].RemoteRef != "doc-1" || matches[0].Score != 0.91 {
		t.Fatalf("unexpected first match: %#v", matches[0])
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		wantCode  string
		retryable bool
	}{
		{http.StatusUnauthorized, "MISTRAL_AUTH", false},
		{http.StatusForbidden, "MISTRAL_AUTH", false},
		{http.StatusTooManyRequests, "MISTRAL_RATE_LIMIT", true},
		{http.StatusInternalServerError, "MISTRAL_FAILED", true},
		{http.StatusBadRequest, "MISTRAL_FAILED", false},
	}
	for _, tc := range cases {
		rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return jsonResponse(tc.status, `{"detail":"nope"}`, r), nil
		})
		client := NewClient("test-key", "")
		client.HTTPClient = &http.Client{Transport: rt}

		_, err := client.CreateIndex(context.Background(), "x")
		var pe *model.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected ProviderError, got %v", tc.status, err)
		}
		if pe.Code != tc.wantCode || pe.Retryable != tc.retryable || pe.StatusCode != tc.status {
			t.Fatalf("status %d: got %+v", tc.status, pe)
		}
	}
}

func TestMissingAPIKey(t *testing.T) {
	client := NewClient("", "")
	_, err := client.CreateIndex(context.Background(), "x")
	var pe *model.ProviderError
	if !errors.As(err, &pe) || pe.Code != "MISTRAL_AUTH" {
		t.Fatalf("expected MISTRAL_AUTH, got %v", err)
	}
}
