// Package providers defines the boundary to external AI backends. The core
// consumes these interfaces as opaque asynchronous operations; payload schemas
// belong to the collaborator behind each implementation.
package providers

import (
	"context"
	"fmt"
)

// Document is an uploaded artifact handed to the extraction collaborator.
type Document struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// DocumentExtractor turns an uploaded document into plain text.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, doc Document) (string, error)
}

// CompletionClient runs a language-model prompt.
type CompletionClient interface {
	GenerateCompletion(ctx context.Context, prompt string) (string, error)
}

// Embedder produces a vector embedding for text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Bundle groups the provider surfaces the orchestrator composes.
type Bundle struct {
	Documents   DocumentExtractor
	Completions CompletionClient
	Embeddings  Embedder
}

// Error wraps a failed provider call with the downstream service it targeted.
// Provider failures surface to the caller and are never cached or retried by
// the core.
type Error struct {
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Service, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with its originating service. A nil err returns nil.
func Wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Service: service, Err: err}
}
