// Package secrets provides the pluggable secrets store referenced by job
// specs. Secrets are namespaced by the submitting client's id; the dispatch
// core only depends on the Store interface, so deployments choose between an
// external Vault (KV v2) and the database-backed envelope variant.
package secrets

import (
	"context"
	"fmt"
)

// Store is the abstract secrets capability. All keys are (namespace, path)
// pairs where namespace is a client id.
type Store interface {
	// Read returns the secret value. Missing or inaccessible secrets return
	// an *AccessError.
	Read(ctx context.Context, namespace, path string) (string, error)

	// Write creates or replaces the secret value.
	Write(ctx context.Context, namespace, path, value string) error

	// Delete removes the secret. Deleting a missing secret is not an error.
	Delete(ctx context.Context, namespace, path string) error
}

// AccessError means the secret was denied or does not exist — the caller's
// fault, surfaced as a 4xx with the offending path.
type AccessError struct {
	Namespace string
	Path      string
	Err       error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("secrets: access to %s/%s denied: %v", e.Namespace, e.Path, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// StoreError means the backend itself failed (transport, decryption) —
// surfaced as a 500 without detail.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("secrets: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// UnexpectedError means the backend answered with data we cannot interpret,
// for example a secret missing its value field. Also a 500.
type UnexpectedError struct {
	Op  string
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("secrets: %s: unexpected response: %v", e.Op, e.Err)
}

func (e *UnexpectedError) Unwrap() error { return e.Err }
