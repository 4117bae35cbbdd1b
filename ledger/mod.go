// Package ledger defines the boundary to the ledger collaborator that
// persists the pipeline objects: cipher envelopes, the verified-participant
// set, the ingestion store and the reception store.
//
// The ledger arbitrates concurrent mutations with object versioning: every
// mutation names the version it read, and a stale version is rejected with
// ErrVersionConflict. Callers are expected to retry the whole
// read-modify-write cycle, never to merge.
package ledger

import (
	"context"

	"golang.org/x/xerrors"
)

var (
	// ErrNotFound indicates that no object exists for the given identifier.
	ErrNotFound = xerrors.New("object not found")

	// ErrVersionConflict indicates that the object has been mutated since it
	// was read. The operation can be retried from a fresh read.
	ErrVersionConflict = xerrors.New("version conflict")

	// ErrNetwork indicates a transport failure while talking to the ledger.
	// The operation can be retried.
	ErrNetwork = xerrors.New("network failure")
)

// ID is the identifier assigned by the ledger to a persisted object.
type ID string

// Version counts the mutations of an object. It starts at zero on creation
// and increases by one on every accepted update.
type Version uint64

// Object is a ledger-persisted record. The payload is an opaque encoding
// owned by the component that manages the kind.
type Object struct {
	Kind    string `json:"kind"`
	Owner   string `json:"owner"`
	Payload []byte `json:"payload"`
}

// Confirmation is the handle returned by a mutating call. The caller must
// wait on it before relying on the mutation.
type Confirmation interface {
	Wait(ctx context.Context) error
}

// Ledger provides access to the versioned objects of the pipeline.
type Ledger interface {
	// Create persists a new object and returns its assigned identifier.
	Create(ctx context.Context, obj Object) (ID, Confirmation, error)

	// Get returns the object and the version it was read at.
	Get(ctx context.Context, id ID) (Object, Version, error)

	// Update replaces the object, provided the version matches the current
	// one. It returns ErrVersionConflict otherwise.
	Update(ctx context.Context, id ID, version Version, obj Object) (Confirmation, error)

	// Delete removes the object, provided the version matches the current
	// one.
	Delete(ctx context.Context, id ID, version Version) (Confirmation, error)
}
