// Package seal defines the boundary to the threshold encryption service. The
// service encrypts payloads under policy identifiers and releases derived
// decryption keys only after a dry-run authorization of the caller against
// the on-ledger policy object.
//
// Binding the outer and the inner layer of an envelope to two different
// policies gives a cryptographically enforced two-phase release: no single
// party can recover a plaintext alone.
package seal

import (
	"context"

	"go.dedis.ch/isoloir/ledger"
	"golang.org/x/xerrors"
)

// ErrPolicyDenied indicates that the authorization check rejected the caller.
// It is not retryable unless the caller acquires a different authorization
// context.
var ErrPolicyDenied = xerrors.New("policy denied")

// DerivedKey is an opaque decryption key released by the key servers for one
// policy identifier.
type DerivedKey []byte

// Approval is the dry-run authorization request submitted to the key
// servers. It names the policy, the ledger object the policy reads, and the
// caller. Nothing is mutated by evaluating it.
type Approval struct {
	PolicyID []byte
	ObjectID ledger.ID
	Caller   string
}

// Policy decides whether an approval request is entitled to a derived key.
// Implementations read ledger state, they never mutate it.
type Policy interface {
	Approve(ctx context.Context, ap Approval) error
}

// Client provides the threshold encryption primitives.
type Client interface {
	// Encrypt encrypts the payload under the policy identifier for the given
	// threshold of key holders.
	Encrypt(policyID []byte, payload []byte, threshold int) ([]byte, error)

	// Authorize evaluates the approval and, on success, returns the derived
	// key for the approval's policy. It fails with ErrPolicyDenied otherwise.
	Authorize(ctx context.Context, ap Approval) (DerivedKey, error)

	// Decrypt decrypts a ciphertext with a previously derived key.
	Decrypt(ciphertext []byte, key DerivedKey) ([]byte, error)
}
