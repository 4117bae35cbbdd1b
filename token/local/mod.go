// Package local implements the token generator in-process. It reproduces the
// reference generator bit for bit so the two can be swapped per deployment.
package local

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"go.dedis.ch/isoloir/token"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

// DefaultNonceBytes is the number of random bytes drawn for the nonce.
const DefaultNonceBytes = 16

// Generator derives tokens locally.
//
// - implements token.Generator
type Generator struct {
	nonceBytes int
}

// NewGenerator creates a generator with the default nonce size.
func NewGenerator() Generator {
	return Generator{nonceBytes: DefaultNonceBytes}
}

// NewGeneratorWithNonce creates a generator drawing the given number of
// random bytes per token.
func NewGeneratorWithNonce(n int) (Generator, error) {
	if n <= 0 {
		return Generator{}, xerrors.Errorf("nonce size must be positive, got %d", n)
	}

	return Generator{nonceBytes: n}, nil
}

// Generate implements token.Generator. It hashes the identifier concatenated
// with a fresh nonce and prepends the two-digit vote value.
func (g Generator) Generate(ctx context.Context, req token.Request) (token.Token, error) {
	if req.Vote < 0 || req.Vote > 99 {
		return token.Token{}, xerrors.Errorf("vote value must be between 0 and 99, got %d: %w",
			req.Vote, token.ErrGenerationFailure)
	}

	if !isDigits(req.Identifier) {
		return token.Token{}, xerrors.Errorf("identifier '%s': %w",
			req.Identifier, token.ErrInvalidIdentifier)
	}

	suffix := make([]byte, g.nonceBytes)
	_, err := rand.Read(suffix)
	if err != nil {
		return token.Token{}, xerrors.Errorf("failed to draw nonce: %w", token.ErrGenerationFailure)
	}

	nonce := hex.EncodeToString(suffix)

	digest := blake2b.Sum256([]byte(req.Identifier + "-" + nonce))
	payloadHash := hex.EncodeToString(digest[:])

	return token.Token{
		PersonID:    req.Identifier,
		PersonName:  req.Name,
		Vote:        req.Vote,
		Token:       fmt.Sprintf("%02d%s", req.Vote, payloadHash),
		PayloadHash: payloadHash,
		Nonce:       nonce,
	}, nil
}

func isDigits(s string) bool {
	if len(s) == 0 {
		return false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
