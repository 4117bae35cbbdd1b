// Package bridge implements the double-layer cipher bridge. A plaintext
// ballot token is encrypted under an inner policy, the result under an
// independent outer policy, and the envelope is persisted on the ledger. The
// layers are later peeled one at a time, each behind its own authorization.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rs/xid"
	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/seal"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

// EnvelopeKind is the ledger object kind of a cipher envelope.
const EnvelopeKind = "cipher.envelope"

// ErrLayerMismatch indicates that the supplied policy identifier does not
// match the one persisted on the envelope.
var ErrLayerMismatch = xerrors.New("layer mismatch")

// Envelope is the persisted form of a double-encrypted ballot.
type Envelope struct {
	OuterID   []byte `json:"outer_id"`
	OuterCt   []byte `json:"outer_ct"`
	InnerID   []byte `json:"inner_id"`
	PlainHash []byte `json:"plain_hash"`
	Owner     string `json:"owner"`
}

// SealRequest describes a double encryption. Labels default to fresh unique
// identifiers and the threshold to one.
type SealRequest struct {
	Owner      string
	Plaintext  []byte
	InnerLabel []byte
	OuterLabel []byte
	Threshold  int
}

// Sealed is the outcome of a double encryption: the envelope identifier plus
// everything the owner needs to later peel the layers and verify the
// recovered plaintext.
type Sealed struct {
	RecordID  ledger.ID
	InnerID   []byte
	OuterID   []byte
	PlainHash []byte
}

// Bridge seals and peels envelopes.
type Bridge struct {
	ledger ledger.Ledger
	seal   seal.Client
}

// NewBridge creates a bridge over the given collaborators.
func NewBridge(l ledger.Ledger, client seal.Client) *Bridge {
	return &Bridge{
		ledger: l,
		seal:   client,
	}
}

// SealTwice encrypts the plaintext under the inner then the outer policy and
// persists the resulting envelope, owned by the submitter. The plaintext hash
// is computed over the original plaintext so late-stage verifiers can confirm
// integrity without re-deriving it from chain state.
func (b *Bridge) SealTwice(ctx context.Context, req SealRequest) (Sealed, error) {
	if req.Owner == "" {
		return Sealed{}, xerrors.Errorf("owner address is empty")
	}

	innerID := req.InnerLabel
	if innerID == nil {
		// labels must be unique per envelope, never derived from the clock
		innerID = []byte("inner:" + xid.New().String())
	}

	outerID := req.OuterLabel
	if outerID == nil {
		outerID = []byte("outer:" + xid.New().String())
	}

	threshold := req.Threshold
	if threshold == 0 {
		threshold = 1
	}

	innerCt, err := b.seal.Encrypt(innerID, req.Plaintext, threshold)
	if err != nil {
		return Sealed{}, xerrors.Errorf("failed to encrypt inner layer: %v", err)
	}

	outerCt, err := b.seal.Encrypt(outerID, innerCt, threshold)
	if err != nil {
		return Sealed{}, xerrors.Errorf("failed to encrypt outer layer: %v", err)
	}

	plainHash := blake2b.Sum256(req.Plaintext)

	envelope := Envelope{
		OuterID:   outerID,
		OuterCt:   outerCt,
		InnerID:   innerID,
		PlainHash: plainHash[:],
		Owner:     req.Owner,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return Sealed{}, xerrors.Errorf("failed to marshal envelope: %v", err)
	}

	obj := ledger.Object{
		Kind:    EnvelopeKind,
		Owner:   req.Owner,
		Payload: payload,
	}

	id, conf, err := b.ledger.Create(ctx, obj)
	if err != nil {
		return Sealed{}, xerrors.Errorf("failed to store envelope: %w", err)
	}

	err = conf.Wait(ctx)
	if err != nil {
		return Sealed{}, xerrors.Errorf("envelope confirmation failed: %w", err)
	}

	return Sealed{
		RecordID:  id,
		InnerID:   innerID,
		OuterID:   outerID,
		PlainHash: plainHash[:],
	}, nil
}

// PeelOuter removes the outer layer. It dry-runs the outer policy for the
// caller, then decrypts the persisted outer ciphertext and returns the inner
// ciphertext. The envelope itself is not mutated.
func (b *Bridge) PeelOuter(ctx context.Context, caller string, recordID ledger.ID,
	outerID []byte) ([]byte, error) {

	envelope, err := b.GetEnvelope(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(envelope.OuterID, outerID) {
		return nil, xerrors.Errorf("outer policy of envelope '%s': %w", recordID, ErrLayerMismatch)
	}

	key, err := b.seal.Authorize(ctx, seal.Approval{
		PolicyID: outerID,
		ObjectID: recordID,
		Caller:   caller,
	})
	if err != nil {
		return nil, xerrors.Errorf("outer authorization failed: %w", err)
	}

	innerCt, err := b.seal.Decrypt(envelope.OuterCt, key)
	if err != nil {
		return nil, xerrors.Errorf("failed to decrypt outer layer: %v", err)
	}

	return innerCt, nil
}

// PeelInner removes the inner layer and returns the plaintext. The inner
// ciphertext is supplied by the caller: after the outer peel it lives only in
// the caller's hands, never on the ledger. Verifying the plaintext against
// the envelope hash is the pipeline's responsibility.
func (b *Bridge) PeelInner(ctx context.Context, caller string, recordID ledger.ID,
	innerID []byte, innerCt []byte) ([]byte, error) {

	envelope, err := b.GetEnvelope(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(envelope.InnerID, innerID) {
		return nil, xerrors.Errorf("inner policy of envelope '%s': %w", recordID, ErrLayerMismatch)
	}

	key, err := b.seal.Authorize(ctx, seal.Approval{
		PolicyID: innerID,
		ObjectID: recordID,
		Caller:   caller,
	})
	if err != nil {
		return nil, xerrors.Errorf("inner authorization failed: %w", err)
	}

	plaintext, err := b.seal.Decrypt(innerCt, key)
	if err != nil {
		return nil, xerrors.Errorf("failed to decrypt inner layer: %v", err)
	}

	return plaintext, nil
}

// GetEnvelope fetches and decodes an envelope from the ledger.
func (b *Bridge) GetEnvelope(ctx context.Context, recordID ledger.ID) (Envelope, error) {
	obj, _, err := b.ledger.Get(ctx, recordID)
	if err != nil {
		return Envelope{}, xerrors.Errorf("failed to get envelope '%s': %w", recordID, err)
	}

	if obj.Kind != EnvelopeKind {
		return Envelope{}, xerrors.Errorf("object '%s' is a '%s', not an envelope", recordID, obj.Kind)
	}

	var envelope Envelope
	err = json.Unmarshal(obj.Payload, &envelope)
	if err != nil {
		return Envelope{}, xerrors.Errorf("failed to unmarshal envelope: %v", err)
	}

	return envelope, nil
}
