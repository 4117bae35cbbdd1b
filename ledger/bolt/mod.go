// Package bolt implements a ledger persisted on disk with a key/value
// database. It provides the same versioning semantics as a real chain so a
// deployment can survive restarts without one.
package bolt

import (
	"context"
	"encoding/json"

	"github.com/rs/xid"
	"go.dedis.ch/isoloir/kv"
	"go.dedis.ch/isoloir/ledger"
	"golang.org/x/xerrors"
)

var bucket = []byte("ledger:objects")

// Ledger is a kv-backed implementation of the ledger boundary.
//
// - implements ledger.Ledger
type Ledger struct {
	db kv.DB
}

// NewLedger creates a ledger on top of the given database.
func NewLedger(db kv.DB) (*Ledger, error) {
	// prime the bucket so read-only transactions find it
	err := db.Update(bucket, func(kv.Bucket) error { return nil })
	if err != nil {
		return nil, xerrors.Errorf("failed to create bucket: %v", err)
	}

	return &Ledger{db: db}, nil
}

// record is the stored form of an object alongside its version.
type record struct {
	Object  ledger.Object  `json:"object"`
	Version ledger.Version `json:"version"`
}

// Create implements ledger.Ledger. It assigns a fresh identifier to the
// object and stores it at version zero.
func (l *Ledger) Create(ctx context.Context, obj ledger.Object) (ledger.ID, ledger.Confirmation, error) {
	id := ledger.ID(xid.New().String())

	buf, err := json.Marshal(record{Object: obj})
	if err != nil {
		return "", nil, xerrors.Errorf("failed to marshal record: %v", err)
	}

	err = l.db.Update(bucket, func(b kv.Bucket) error {
		return b.Set([]byte(id), buf)
	})
	if err != nil {
		return "", nil, xerrors.Errorf("failed to store record: %v", err)
	}

	return id, confirmation{}, nil
}

// Get implements ledger.Ledger. It returns the object and the version it was
// read at.
func (l *Ledger) Get(ctx context.Context, id ledger.ID) (ledger.Object, ledger.Version, error) {
	var rec record

	err := l.db.View(bucket, func(b kv.Bucket) error {
		buf := b.Get([]byte(id))
		if buf == nil {
			return xerrors.Errorf("failed to get object '%s': %w", id, ledger.ErrNotFound)
		}

		return json.Unmarshal(buf, &rec)
	})
	if err != nil {
		return ledger.Object{}, 0, err
	}

	return rec.Object, rec.Version, nil
}

// Update implements ledger.Ledger. It replaces the object if the version
// still matches the stored one.
func (l *Ledger) Update(ctx context.Context, id ledger.ID, version ledger.Version,
	obj ledger.Object) (ledger.Confirmation, error) {

	err := l.db.Update(bucket, func(b kv.Bucket) error {
		buf := b.Get([]byte(id))
		if buf == nil {
			return xerrors.Errorf("failed to update object '%s': %w", id, ledger.ErrNotFound)
		}

		var rec record
		err := json.Unmarshal(buf, &rec)
		if err != nil {
			return xerrors.Errorf("failed to unmarshal record: %v", err)
		}

		if rec.Version != version {
			return xerrors.Errorf("object '%s' is at version %d, not %d: %w",
				id, rec.Version, version, ledger.ErrVersionConflict)
		}

		rec.Object = obj
		rec.Version++

		buf, err = json.Marshal(rec)
		if err != nil {
			return xerrors.Errorf("failed to marshal record: %v", err)
		}

		return b.Set([]byte(id), buf)
	})
	if err != nil {
		return nil, err
	}

	return confirmation{}, nil
}

// Delete implements ledger.Ledger. It removes the object if the version still
// matches the stored one.
func (l *Ledger) Delete(ctx context.Context, id ledger.ID, version ledger.Version) (ledger.Confirmation, error) {
	err := l.db.Update(bucket, func(b kv.Bucket) error {
		buf := b.Get([]byte(id))
		if buf == nil {
			return xerrors.Errorf("failed to delete object '%s': %w", id, ledger.ErrNotFound)
		}

		var rec record
		err := json.Unmarshal(buf, &rec)
		if err != nil {
			return xerrors.Errorf("failed to unmarshal record: %v", err)
		}

		if rec.Version != version {
			return xerrors.Errorf("object '%s' is at version %d, not %d: %w",
				id, rec.Version, version, ledger.ErrVersionConflict)
		}

		return b.Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}

	return confirmation{}, nil
}

// confirmation is the handle of an already committed mutation.
//
// - implements ledger.Confirmation
type confirmation struct{}

// Wait implements ledger.Confirmation. The transaction is committed before
// the call returns, so it only honors the context.
func (confirmation) Wait(ctx context.Context) error {
	return ctx.Err()
}
