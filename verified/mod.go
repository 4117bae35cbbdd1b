// Package verified implements the verified-participant set: the
// admin-controlled allow-list gating who may submit a ballot. The set is a
// ledger object mutated only by its admin; anyone may read it.
package verified

import (
	"context"
	"encoding/json"

	"go.dedis.ch/isoloir/ledger"
	"golang.org/x/xerrors"
)

// SetKind is the ledger object kind of a verified-participant set.
const SetKind = "verified.set"

// ErrUnauthorized indicates that a non-admin attempted an admin-only
// operation.
var ErrUnauthorized = xerrors.New("unauthorized")

// set is the persisted form of the allow-list.
type set struct {
	Admin     string   `json:"admin"`
	Addresses []string `json:"addresses"`
}

// Service manages verified-participant sets on the ledger.
type Service struct {
	ledger ledger.Ledger
}

// NewService creates a service over the given ledger.
func NewService(l ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// Create persists a new empty set administrated by the caller and returns its
// identifier.
func (srvc *Service) Create(ctx context.Context, admin string) (ledger.ID, error) {
	payload, err := json.Marshal(set{Admin: admin})
	if err != nil {
		return "", xerrors.Errorf("failed to marshal set: %v", err)
	}

	id, conf, err := srvc.ledger.Create(ctx, ledger.Object{
		Kind:    SetKind,
		Owner:   admin,
		Payload: payload,
	})
	if err != nil {
		return "", xerrors.Errorf("failed to store set: %w", err)
	}

	err = conf.Wait(ctx)
	if err != nil {
		return "", xerrors.Errorf("set confirmation failed: %w", err)
	}

	return id, nil
}

// Add appends an address to the set. Only the admin may do so. Adding an
// address twice is a no-op.
func (srvc *Service) Add(ctx context.Context, caller string, setID ledger.ID, addr string) error {
	return srvc.mutate(ctx, caller, setID, func(s *set) {
		for _, a := range s.Addresses {
			if a == addr {
				return
			}
		}

		s.Addresses = append(s.Addresses, addr)
	})
}

// Remove deletes an address from the set. Only the admin may do so.
func (srvc *Service) Remove(ctx context.Context, caller string, setID ledger.ID, addr string) error {
	return srvc.mutate(ctx, caller, setID, func(s *set) {
		addrs := s.Addresses[:0]
		for _, a := range s.Addresses {
			if a != addr {
				addrs = append(addrs, a)
			}
		}

		s.Addresses = addrs
	})
}

// DeleteAll clears the set. Only the admin may do so.
func (srvc *Service) DeleteAll(ctx context.Context, caller string, setID ledger.ID) error {
	return srvc.mutate(ctx, caller, setID, func(s *set) {
		s.Addresses = nil
	})
}

// Contains reports whether the address is verified.
func (srvc *Service) Contains(ctx context.Context, setID ledger.ID, addr string) (bool, error) {
	s, _, err := srvc.get(ctx, setID)
	if err != nil {
		return false, err
	}

	for _, a := range s.Addresses {
		if a == addr {
			return true, nil
		}
	}

	return false, nil
}

// Addresses returns the verified addresses in insertion order.
func (srvc *Service) Addresses(ctx context.Context, setID ledger.ID) ([]string, error) {
	s, _, err := srvc.get(ctx, setID)
	if err != nil {
		return nil, err
	}

	return s.Addresses, nil
}

func (srvc *Service) mutate(ctx context.Context, caller string, setID ledger.ID, fn func(*set)) error {
	s, version, err := srvc.get(ctx, setID)
	if err != nil {
		return err
	}

	if s.Admin != caller {
		return xerrors.Errorf("caller '%s' is not the admin of set '%s': %w",
			caller, setID, ErrUnauthorized)
	}

	fn(&s)

	payload, err := json.Marshal(s)
	if err != nil {
		return xerrors.Errorf("failed to marshal set: %v", err)
	}

	conf, err := srvc.ledger.Update(ctx, setID, version, ledger.Object{
		Kind:    SetKind,
		Owner:   s.Admin,
		Payload: payload,
	})
	if err != nil {
		return xerrors.Errorf("failed to update set: %w", err)
	}

	err = conf.Wait(ctx)
	if err != nil {
		return xerrors.Errorf("set confirmation failed: %w", err)
	}

	return nil
}

func (srvc *Service) get(ctx context.Context, setID ledger.ID) (set, ledger.Version, error) {
	obj, version, err := srvc.ledger.Get(ctx, setID)
	if err != nil {
		return set{}, 0, xerrors.Errorf("failed to get set '%s': %w", setID, err)
	}

	if obj.Kind != SetKind {
		return set{}, 0, xerrors.Errorf("object '%s' is a '%s', not a verified set", setID, obj.Kind)
	}

	var s set
	err = json.Unmarshal(obj.Payload, &s)
	if err != nil {
		return set{}, 0, xerrors.Errorf("failed to unmarshal set: %v", err)
	}

	return s, version, nil
}
