package model

import "context"

// VectorStoreProvider is the narrow surface this core needs from a remote
// vector-store service. Implementations live under internal/provider.
type VectorStoreProvider interface {
	// CreateIndex provisions a remote index and returns its provider-side id.
	CreateIndex(ctx context.Context, displayName string) (string, error)
	// UploadDocument pushes one document into the index and returns the
	// provider-side document reference.
	UploadDocument(ctx context.Context, indexID string, doc IndexDocument) (string, error)
	// DeleteIndex removes the remote index. Deleting an index that is
	// already gone is reported as a ProviderError with a 404 status.
	DeleteIndex(ctx context.Context, indexID string) error
}

// IndexSearcher is an optional capability of a provider. Callers that need
// search type-assert for it.
type IndexSearcher interface {
	SearchIndex(ctx context.Context, indexID, query string, k int) ([]IndexMatch, error)
}

// TokenEstimator maps file content to an estimated token cost. Estimation
// is provider/tokenizer specific, so the allocator takes it as an injected
// capability and tolerates per-file failures.
type TokenEstimator interface {
	EstimateTokens(path string, content []byte) (int, error)
}
