// Package mem implements an in-memory ledger. It is used by the tests and by
// the demo deployment where no real chain is available.
package mem

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"go.dedis.ch/isoloir/ledger"
	"golang.org/x/xerrors"
)

// Ledger is an in-memory implementation of the ledger boundary. Mutations are
// confirmed immediately.
//
// - implements ledger.Ledger
type Ledger struct {
	sync.Mutex

	objects map[ledger.ID]*entry
}

type entry struct {
	obj     ledger.Object
	version ledger.Version
}

// NewLedger creates a new empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		objects: make(map[ledger.ID]*entry),
	}
}

// Create implements ledger.Ledger. It assigns a fresh identifier to the
// object and stores it at version zero.
func (l *Ledger) Create(ctx context.Context, obj ledger.Object) (ledger.ID, ledger.Confirmation, error) {
	l.Lock()
	defer l.Unlock()

	id := ledger.ID(xid.New().String())

	l.objects[id] = &entry{obj: obj}

	return id, confirmation{}, nil
}

// Get implements ledger.Ledger. It returns a copy of the object and the
// version it was read at.
func (l *Ledger) Get(ctx context.Context, id ledger.ID) (ledger.Object, ledger.Version, error) {
	l.Lock()
	defer l.Unlock()

	e, ok := l.objects[id]
	if !ok {
		return ledger.Object{}, 0, xerrors.Errorf("failed to get object '%s': %w", id, ledger.ErrNotFound)
	}

	return copyObject(e.obj), e.version, nil
}

// Update implements ledger.Ledger. It replaces the object if the version
// still matches the stored one.
func (l *Ledger) Update(ctx context.Context, id ledger.ID, version ledger.Version,
	obj ledger.Object) (ledger.Confirmation, error) {

	l.Lock()
	defer l.Unlock()

	e, ok := l.objects[id]
	if !ok {
		return nil, xerrors.Errorf("failed to update object '%s': %w", id, ledger.ErrNotFound)
	}

	if e.version != version {
		return nil, xerrors.Errorf("object '%s' is at version %d, not %d: %w",
			id, e.version, version, ledger.ErrVersionConflict)
	}

	e.obj = copyObject(obj)
	e.version++

	return confirmation{}, nil
}

// Delete implements ledger.Ledger. It removes the object if the version still
// matches the stored one.
func (l *Ledger) Delete(ctx context.Context, id ledger.ID, version ledger.Version) (ledger.Confirmation, error) {
	l.Lock()
	defer l.Unlock()

	e, ok := l.objects[id]
	if !ok {
		return nil, xerrors.Errorf("failed to delete object '%s': %w", id, ledger.ErrNotFound)
	}

	if e.version != version {
		return nil, xerrors.Errorf("object '%s' is at version %d, not %d: %w",
			id, e.version, version, ledger.ErrVersionConflict)
	}

	delete(l.objects, id)

	return confirmation{}, nil
}

func copyObject(obj ledger.Object) ledger.Object {
	payload := make([]byte, len(obj.Payload))
	copy(payload, obj.Payload)

	obj.Payload = payload

	return obj
}

// confirmation is the handle of an already committed mutation.
//
// - implements ledger.Confirmation
type confirmation struct{}

// Wait implements ledger.Confirmation. The mutation is committed before the
// call returns, so it only honors the context.
func (confirmation) Wait(ctx context.Context) error {
	return ctx.Err()
}
