// Package scrutateur implements the reception and tally stage. It receives
// the peeled blobs forwarded by the ingestion stage and tracks, per entry,
// whether the decryption has been confirmed. Marking an entry processed is a
// record of completion, not a trigger: the decrypt itself happens at the
// bridge.
package scrutateur

import (
	"context"
	"encoding/json"

	"go.dedis.ch/isoloir/ledger"
	"golang.org/x/xerrors"
)

// StoreKind is the ledger object kind of a reception store.
const StoreKind = "scrutateur.store"

var (
	// ErrUnauthorized indicates that a non-admin attempted an admin-only
	// operation.
	ErrUnauthorized = xerrors.New("unauthorized")

	// ErrIndexOutOfRange indicates an entry index beyond the store length.
	ErrIndexOutOfRange = xerrors.New("index out of range")

	// ErrAlreadyProcessed indicates that the entry's flag is already set. A
	// retried mark is expected to treat it as a no-op success.
	ErrAlreadyProcessed = xerrors.New("entry already processed")
)

// Entry is one received blob and its processing flag.
type Entry struct {
	Blob      []byte `json:"blob"`
	Processed bool   `json:"processed"`
}

// store is the persisted form of a reception store.
type store struct {
	Admin   string  `json:"admin"`
	Entries []Entry `json:"entries"`
}

// Service manages reception stores on the ledger.
type Service struct {
	ledger ledger.Ledger
}

// NewService creates a service over the given ledger.
func NewService(l ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// Create persists a new empty store administrated by the caller and returns
// its identifier.
func (srvc *Service) Create(ctx context.Context, admin string) (ledger.ID, error) {
	payload, err := json.Marshal(store{Admin: admin})
	if err != nil {
		return "", xerrors.Errorf("failed to marshal store: %v", err)
	}

	id, conf, err := srvc.ledger.Create(ctx, ledger.Object{
		Kind:    StoreKind,
		Owner:   admin,
		Payload: payload,
	})
	if err != nil {
		return "", xerrors.Errorf("failed to store store: %w", err)
	}

	err = conf.Wait(ctx)
	if err != nil {
		return "", xerrors.Errorf("store confirmation failed: %w", err)
	}

	return id, nil
}

// ReceiveBlob appends an unprocessed entry and returns its index. It is open
// to whichever party the ingestion stage forwarded to.
func (srvc *Service) ReceiveBlob(ctx context.Context, storeID ledger.ID, blob []byte) (int, error) {
	s, version, err := srvc.get(ctx, storeID)
	if err != nil {
		return 0, err
	}

	s.Entries = append(s.Entries, Entry{Blob: blob})

	err = srvc.put(ctx, storeID, version, s)
	if err != nil {
		return 0, err
	}

	return len(s.Entries) - 1, nil
}

// MarkProcessed records that the entry has been resolved into plaintext.
// Only the admin may do so. Marking twice fails with ErrAlreadyProcessed so
// the caller can tell a retry from a double resolution; the flag stays true
// either way.
func (srvc *Service) MarkProcessed(ctx context.Context, caller string, storeID ledger.ID,
	index int) error {

	s, version, err := srvc.get(ctx, storeID)
	if err != nil {
		return err
	}

	if s.Admin != caller {
		return xerrors.Errorf("caller '%s' is not the admin of store '%s': %w",
			caller, storeID, ErrUnauthorized)
	}

	if index < 0 || index >= len(s.Entries) {
		return xerrors.Errorf("index %d in store of %d entries: %w",
			index, len(s.Entries), ErrIndexOutOfRange)
	}

	if s.Entries[index].Processed {
		return xerrors.Errorf("entry %d of store '%s': %w", index, storeID, ErrAlreadyProcessed)
	}

	s.Entries[index].Processed = true

	return srvc.put(ctx, storeID, version, s)
}

// DeleteAll purges the store for a new round. Only the admin may do so.
func (srvc *Service) DeleteAll(ctx context.Context, caller string, storeID ledger.ID) error {
	s, version, err := srvc.get(ctx, storeID)
	if err != nil {
		return err
	}

	if s.Admin != caller {
		return xerrors.Errorf("caller '%s' is not the admin of store '%s': %w",
			caller, storeID, ErrUnauthorized)
	}

	s.Entries = nil

	return srvc.put(ctx, storeID, version, s)
}

// Entries returns the received entries in reception order, with their
// processing flags, for downstream tallying and audits.
func (srvc *Service) Entries(ctx context.Context, storeID ledger.ID) ([]Entry, error) {
	s, _, err := srvc.get(ctx, storeID)
	if err != nil {
		return nil, err
	}

	return s.Entries, nil
}

func (srvc *Service) get(ctx context.Context, storeID ledger.ID) (store, ledger.Version, error) {
	obj, version, err := srvc.ledger.Get(ctx, storeID)
	if err != nil {
		return store{}, 0, xerrors.Errorf("failed to get store '%s': %w", storeID, err)
	}

	if obj.Kind != StoreKind {
		return store{}, 0, xerrors.Errorf("object '%s' is a '%s', not a reception store",
			storeID, obj.Kind)
	}

	var s store
	err = json.Unmarshal(obj.Payload, &s)
	if err != nil {
		return store{}, 0, xerrors.Errorf("failed to unmarshal store: %v", err)
	}

	return s, version, nil
}

func (srvc *Service) put(ctx context.Context, storeID ledger.ID, version ledger.Version, s store) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return xerrors.Errorf("failed to marshal store: %v", err)
	}

	conf, err := srvc.ledger.Update(ctx, storeID, version, ledger.Object{
		Kind:    StoreKind,
		Owner:   s.Admin,
		Payload: payload,
	})
	if err != nil {
		return xerrors.Errorf("failed to update store: %w", err)
	}

	err = conf.Wait(ctx)
	if err != nil {
		return xerrors.Errorf("store confirmation failed: %w", err)
	}

	return nil
}
