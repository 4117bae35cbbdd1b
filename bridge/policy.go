package bridge

import (
	"bytes"
	"context"
	"encoding/json"

	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/seal"
	"golang.org/x/xerrors"
)

// Policy is the authorization rule dry-run by the key servers before a
// derived key is released: the caller must own the envelope and the policy
// identifier must name one of its two layers.
//
// - implements seal.Policy
type Policy struct {
	ledger ledger.Ledger
}

// NewPolicy creates the envelope policy over the given ledger.
func NewPolicy(l ledger.Ledger) Policy {
	return Policy{ledger: l}
}

// Approve implements seal.Policy. It reads the envelope named by the approval
// and checks the caller's entitlement. It never mutates state.
func (p Policy) Approve(ctx context.Context, ap seal.Approval) error {
	obj, _, err := p.ledger.Get(ctx, ap.ObjectID)
	if err != nil {
		return xerrors.Errorf("failed to get envelope '%s': %v", ap.ObjectID, err)
	}

	if obj.Kind != EnvelopeKind {
		return xerrors.Errorf("object '%s' is a '%s', not an envelope", ap.ObjectID, obj.Kind)
	}

	var envelope Envelope
	err = json.Unmarshal(obj.Payload, &envelope)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal envelope: %v", err)
	}

	if envelope.Owner != ap.Caller {
		return xerrors.Errorf("caller '%s' does not own envelope '%s'", ap.Caller, ap.ObjectID)
	}

	if !bytes.Equal(ap.PolicyID, envelope.OuterID) && !bytes.Equal(ap.PolicyID, envelope.InnerID) {
		return xerrors.Errorf("policy '%s' names no layer of envelope '%s'", ap.PolicyID, ap.ObjectID)
	}

	return nil
}
