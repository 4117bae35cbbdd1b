// Package elgamal implements the threshold encryption boundary in a single
// process. It derives one ElGamal key pair per policy identifier from a
// master secret, so the interface behaves like a key-server network with all
// shares held locally. The payload is embedded chunk by chunk into curve
// points, mirroring the Pedersen DKG cipher.
package elgamal

import (
	"bytes"
	"context"

	"go.dedis.ch/isoloir/seal"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"golang.org/x/xerrors"
)

// Suite is the Kyber suite.
var suite = suites.MustFind("Ed25519")

// Service is an in-process threshold encryption service.
//
// - implements seal.Client
type Service struct {
	master kyber.Scalar
	policy seal.Policy
}

// NewService creates a service with a fresh random master secret. The policy
// is consulted on every authorization.
func NewService(policy seal.Policy) *Service {
	secret := suite.Scalar().Pick(suite.RandomStream())

	return NewServiceWithSecret(secret, policy)
}

// NewServiceWithSecret creates a service from an existing master secret.
func NewServiceWithSecret(secret kyber.Scalar, policy seal.Policy) *Service {
	return &Service{
		master: secret,
		policy: policy,
	}
}

// Encrypt implements seal.Client. It ElGamal-encrypts the payload under the
// public key derived for the policy identifier.
func (srvc *Service) Encrypt(policyID []byte, payload []byte, threshold int) ([]byte, error) {
	if threshold < 1 {
		return nil, xerrors.Errorf("threshold must be at least 1, got %d", threshold)
	}

	if len(policyID) == 0 {
		return nil, xerrors.Errorf("policy identifier is empty")
	}

	pubKey := suite.Point().Mul(srvc.derive(policyID), nil)

	r := suite.Scalar().Pick(suite.RandomStream())

	K := suite.Point().Mul(r, nil)
	S := suite.Point().Mul(r, pubKey)

	buf := new(bytes.Buffer)

	_, err := K.MarshalTo(buf)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal K: %v", err)
	}

	for len(payload) > 0 {
		kp := suite.Point().Embed(payload, suite.RandomStream())

		c := suite.Point().Add(S, kp)

		_, err = c.MarshalTo(buf)
		if err != nil {
			return nil, xerrors.Errorf("failed to marshal C: %v", err)
		}

		payload = payload[min(len(payload), kp.EmbedLen()):]
	}

	return buf.Bytes(), nil
}

// Authorize implements seal.Client. It dry-runs the policy and releases the
// derived key on approval.
func (srvc *Service) Authorize(ctx context.Context, ap seal.Approval) (seal.DerivedKey, error) {
	err := srvc.policy.Approve(ctx, ap)
	if err != nil {
		return nil, xerrors.Errorf("approval rejected: %v: %w", err, seal.ErrPolicyDenied)
	}

	key, err := srvc.derive(ap.PolicyID).MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal derived key: %v", err)
	}

	return key, nil
}

// Decrypt implements seal.Client. It recovers the payload with a derived key.
func (srvc *Service) Decrypt(ciphertext []byte, key seal.DerivedKey) ([]byte, error) {
	sk := suite.Scalar()

	err := sk.UnmarshalBinary(key)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal derived key: %v", err)
	}

	pointLen := suite.Point().MarshalSize()

	if len(ciphertext) < pointLen || len(ciphertext)%pointLen != 0 {
		return nil, xerrors.Errorf("malformed ciphertext of %d bytes", len(ciphertext))
	}

	K := suite.Point()

	err = K.UnmarshalBinary(ciphertext[:pointLen])
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal K: %v", err)
	}

	S := suite.Point().Mul(sk, K)

	payload := make([]byte, 0, len(ciphertext))

	for offset := pointLen; offset < len(ciphertext); offset += pointLen {
		c := suite.Point()

		err = c.UnmarshalBinary(ciphertext[offset : offset+pointLen])
		if err != nil {
			return nil, xerrors.Errorf("failed to unmarshal C: %v", err)
		}

		kp := suite.Point().Sub(c, S)

		chunk, err := kp.Data()
		if err != nil {
			return nil, xerrors.Errorf("failed to get embedded data: %v", err)
		}

		payload = append(payload, chunk...)
	}

	return payload, nil
}

// derive maps a policy identifier to its private scalar. The same master
// secret and identifier always yield the same scalar.
func (srvc *Service) derive(policyID []byte) kyber.Scalar {
	seed, err := srvc.master.MarshalBinary()
	if err != nil {
		// marshaling an Ed25519 scalar cannot fail
		panic(err)
	}

	return suite.Scalar().Pick(suite.XOF(append(seed, policyID...)))
}

func min(a, b int) int {
	if a < b {
		return a
	}

	return b
}
