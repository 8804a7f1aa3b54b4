// Package provider constructs concrete vector index backends behind
// the model interfaces.
package provider

import (
	"fmt"
	"strings"

	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/provider/mistral"
	"github.com/attache-ai/attache/internal/provider/openai"
)

// New returns the vector store provider registered under name.
func New(name, apiKey, baseURL string) (model.VectorStoreProvider, error) {
	switch name {
	case "mistral":
		return mistral.NewClient(apiKey, baseURL), nil
	case "openai":
		return openai.NewClient(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(Known(), ", "))
	}
}

// Known lists the provider names New accepts.
func Known() []string {
	return []string{"mistral", "openai"}
}
