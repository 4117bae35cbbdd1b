// Package croupier implements the ingestion and shuffle stage. It collects
// exactly one double-enciphered ballot per verified participant in arrival
// order, then permutes the whole batch on admin command so the processing
// order downstream cannot be correlated with the submission order.
package croupier

import (
	"context"
	"encoding/json"

	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/verified"
	"golang.org/x/xerrors"
)

// StoreKind is the ledger object kind of an ingestion store.
const StoreKind = "croupier.store"

var (
	// ErrNotVerified indicates that the submitter is not in the
	// verified-participant set.
	ErrNotVerified = xerrors.New("submitter is not verified")

	// ErrDuplicateSubmission indicates that the submitter already has an
	// entry in this store.
	ErrDuplicateSubmission = xerrors.New("duplicate submission")

	// ErrUnauthorized indicates that a non-admin attempted an admin-only
	// operation.
	ErrUnauthorized = xerrors.New("unauthorized")

	// ErrInvalidPermutation indicates that the supplied sequence is not a
	// bijection on the current index range.
	ErrInvalidPermutation = xerrors.New("invalid permutation")

	// ErrNotOpen indicates a submission to a store that no longer accepts
	// them.
	ErrNotOpen = xerrors.New("store is not accepting submissions")
)

// Status is the lifecycle state of an ingestion store.
type Status int

const (
	// StatusOpen accepts submissions.
	StatusOpen Status = iota

	// StatusShuffled means the admin has permuted the batch; submissions are
	// closed so no entry can bypass the shuffle.
	StatusShuffled

	// StatusForwarded means the batch has been handed off downstream. The
	// store is append-disabled until the admin resets it.
	StatusForwarded
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusShuffled:
		return "shuffled"
	case StatusForwarded:
		return "forwarded"
	default:
		return "unknown"
	}
}

// store is the persisted form of an ingestion store.
type store struct {
	Admin    string  `json:"admin"`
	Status   Status  `json:"status"`
	Shuffled bool    `json:"shuffled"`
	Entries  []entry `json:"entries"`
}

// entry is one submission. The submitter reference is kept until the batch
// is forwarded, where it is dropped.
type entry struct {
	Submitter  string `json:"submitter"`
	Ciphertext []byte `json:"ciphertext"`
}

// Batch is the outcome of forwarding a store. The shuffled flag is surfaced
// to auditors: a batch forwarded without a prior shuffle keeps the
// submission order and degrades the anonymity guarantee.
type Batch struct {
	Destination string
	Shuffled    bool
	Ciphertexts [][]byte
}

// Service manages ingestion stores on the ledger.
type Service struct {
	ledger   ledger.Ledger
	verified *verified.Service
}

// NewService creates a service over the given ledger. The verified service
// gates submissions.
func NewService(l ledger.Ledger, v *verified.Service) *Service {
	return &Service{
		ledger:   l,
		verified: v,
	}
}

// Create persists a new open store administrated by the caller and returns
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

// Submit appends a ballot ciphertext in arrival order. The caller must be in
// the verified set and must not have submitted to this store before. It
// returns the index of the new entry.
func (srvc *Service) Submit(ctx context.Context, caller string, storeID ledger.ID,
	setID ledger.ID, ciphertext []byte) (int, error) {

	ok, err := srvc.verified.Contains(ctx, setID, caller)
	if err != nil {
		return 0, xerrors.Errorf("failed to check membership: %w", err)
	}

	if !ok {
		return 0, xerrors.Errorf("address '%s': %w", caller, ErrNotVerified)
	}

	s, version, err := srvc.get(ctx, storeID)
	if err != nil {
		return 0, err
	}

	// the duplicate check comes first so a submitter whose entry already
	// landed keeps getting the duplicate signal after the store closes
	for _, e := range s.Entries {
		if e.Submitter == caller {
			return 0, xerrors.Errorf("address '%s' in store '%s': %w",
				caller, storeID, ErrDuplicateSubmission)
		}
	}

	if s.Status != StatusOpen {
		return 0, xerrors.Errorf("store '%s' is %v: %w", storeID, s.Status, ErrNotOpen)
	}

	s.Entries = append(s.Entries, entry{
		Submitter:  caller,
		Ciphertext: ciphertext,
	})

	err = srvc.put(ctx, storeID, version, s)
	if err != nil {
		return 0, err
	}

	return len(s.Entries) - 1, nil
}

// Shuffle permutes the entries with the supplied permutation. Only the admin
// may do so. The permutation must be a bijection on [0, length): entry i of
// the shuffled store is the entry permutation[i] of the current one. It must
// be drawn independently of any externally observable ordering.
func (srvc *Service) Shuffle(ctx context.Context, caller string, storeID ledger.ID,
	permutation []int) error {

	s, version, err := srvc.get(ctx, storeID)
	if err != nil {
		return err
	}

	if s.Admin != caller {
		return xerrors.Errorf("caller '%s' is not the admin of store '%s': %w",
			caller, storeID, ErrUnauthorized)
	}

	if s.Status == StatusForwarded {
		return xerrors.Errorf("store '%s' is already forwarded", storeID)
	}

	err = checkPermutation(permutation, len(s.Entries))
	if err != nil {
		return err
	}

	entries := make([]entry, len(s.Entries))
	for i, j := range permutation {
		entries[i] = s.Entries[j]
	}

	s.Entries = entries
	s.Status = StatusShuffled
	s.Shuffled = true

	return srvc.put(ctx, storeID, version, s)
}

// ForwardAll hands off the full batch to the given destination and disables
// the store for further submissions. Only the admin may do so. Forwarding a
// store that was never shuffled is accepted but flagged on the batch.
func (srvc *Service) ForwardAll(ctx context.Context, caller string, storeID ledger.ID,
	destination string) (Batch, error) {

	s, version, err := srvc.get(ctx, storeID)
	if err != nil {
		return Batch{}, err
	}

	if s.Admin != caller {
		return Batch{}, xerrors.Errorf("caller '%s' is not the admin of store '%s': %w",
			caller, storeID, ErrUnauthorized)
	}

	if s.Status == StatusForwarded {
		return Batch{}, xerrors.Errorf("store '%s' is already forwarded", storeID)
	}

	// the submitter references stay behind: only the ciphertexts move on
	cts := make([][]byte, len(s.Entries))
	for i, e := range s.Entries {
		cts[i] = e.Ciphertext
	}

	batch := Batch{
		Destination: destination,
		Shuffled:    s.Shuffled,
		Ciphertexts: cts,
	}

	s.Status = StatusForwarded

	err = srvc.put(ctx, storeID, version, s)
	if err != nil {
		return Batch{}, err
	}

	return batch, nil
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
	s.Status = StatusOpen
	s.Shuffled = false

	return srvc.put(ctx, storeID, version, s)
}

// Length returns the number of entries in the store.
func (srvc *Service) Length(ctx context.Context, storeID ledger.ID) (int, error) {
	s, _, err := srvc.get(ctx, storeID)
	if err != nil {
		return 0, err
	}

	return len(s.Entries), nil
}

// GetStatus returns the lifecycle state of the store and whether a shuffle
// has been recorded.
func (srvc *Service) GetStatus(ctx context.Context, storeID ledger.ID) (Status, bool, error) {
	s, _, err := srvc.get(ctx, storeID)
	if err != nil {
		return 0, false, err
	}

	return s.Status, s.Shuffled, nil
}

func checkPermutation(permutation []int, length int) error {
	if len(permutation) != length {
		return xerrors.Errorf("got %d indices for %d entries: %w",
			len(permutation), length, ErrInvalidPermutation)
	}

	seen := make([]bool, length)
	for _, j := range permutation {
		if j < 0 || j >= length {
			return xerrors.Errorf("index %d is out of [0, %d): %w",
				j, length, ErrInvalidPermutation)
		}

		if seen[j] {
			return xerrors.Errorf("index %d appears twice: %w", j, ErrInvalidPermutation)
		}

		seen[j] = true
	}

	return nil
}

func (srvc *Service) get(ctx context.Context, storeID ledger.ID) (store, ledger.Version, error) {
	obj, version, err := srvc.ledger.Get(ctx, storeID)
	if err != nil {
		return store{}, 0, xerrors.Errorf("failed to get store '%s': %w", storeID, err)
	}

	if obj.Kind != StoreKind {
		return store{}, 0, xerrors.Errorf("object '%s' is a '%s', not an ingestion store",
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
