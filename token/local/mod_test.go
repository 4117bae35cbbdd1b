package local

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/isoloir/token"
	"golang.org/x/crypto/blake2b"
)

func TestGenerator_Generate(t *testing.T) {
	gen := NewGenerator()

	tok, err := gen.Generate(context.Background(), token.Request{
		Identifier: "846392134567",
		Name:       "Alice Durand",
		Vote:       1,
	})
	require.NoError(t, err)

	require.Equal(t, "846392134567", tok.PersonID)
	require.Equal(t, 1, tok.Vote)
	require.Equal(t, "01"+tok.PayloadHash, tok.Token)
	require.Len(t, tok.Nonce, DefaultNonceBytes*2)

	// the payload hash commits to identifier and nonce
	digest := blake2b.Sum256([]byte(tok.PersonID + "-" + tok.Nonce))
	require.Equal(t, hex.EncodeToString(digest[:]), tok.PayloadHash)
}

func TestGenerator_FreshNoncePerCall(t *testing.T) {
	gen := NewGenerator()
	req := token.Request{Identifier: "932145678903", Vote: 2}

	a, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)

	b, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)

	require.NotEqual(t, a.Nonce, b.Nonce)
	require.NotEqual(t, a.Token, b.Token)
}

func TestGenerator_RejectsBadInput(t *testing.T) {
	gen := NewGenerator()

	_, err := gen.Generate(context.Background(), token.Request{Identifier: "not-digits", Vote: 1})
	require.ErrorIs(t, err, token.ErrInvalidIdentifier)

	_, err = gen.Generate(context.Background(), token.Request{Identifier: "", Vote: 1})
	require.ErrorIs(t, err, token.ErrInvalidIdentifier)

	_, err = gen.Generate(context.Background(), token.Request{Identifier: "42", Vote: 100})
	require.ErrorIs(t, err, token.ErrGenerationFailure)

	_, err = gen.Generate(context.Background(), token.Request{Identifier: "42", Vote: -1})
	require.ErrorIs(t, err, token.ErrGenerationFailure)
}

func TestNewGeneratorWithNonce(t *testing.T) {
	_, err := NewGeneratorWithNonce(0)
	require.EqualError(t, err, "nonce size must be positive, got 0")

	gen, err := NewGeneratorWithNonce(6)
	require.NoError(t, err)

	tok, err := gen.Generate(context.Background(), token.Request{Identifier: "7", Vote: 0})
	require.NoError(t, err)
	require.Len(t, tok.Nonce, 12)
}
