// Package token defines the boundary to the ballot token generator. A token
// hides the voter identifier behind a salted hash while keeping the vote
// value recoverable: its layout is the two-digit vote value followed by the
// hex encoding of a 256-bit hash of `<identifier>-<nonce>`.
//
// The pipeline treats generation as an opaque, idempotent-per-call function;
// it never inspects how the token string is constructed.
package token

import (
	"context"

	"golang.org/x/xerrors"
)

var (
	// ErrInvalidIdentifier indicates that the voter identifier is not purely
	// numeric.
	ErrInvalidIdentifier = xerrors.New("identifier must contain digits only")

	// ErrGenerationFailure indicates that the generator could not be invoked
	// or returned malformed output.
	ErrGenerationFailure = xerrors.New("token generation failed")
)

// Token is a ballot token. The field names follow the generator's JSON
// output.
type Token struct {
	PersonID    string `json:"person_id"`
	PersonName  string `json:"person_name,omitempty"`
	Vote        int    `json:"vote"`
	Token       string `json:"token"`
	PayloadHash string `json:"payload_hash"`
	Nonce       string `json:"nonce"`
}

// Request describes one vote attempt.
type Request struct {
	Identifier string
	Name       string
	Vote       int
}

// Generator produces a fresh ballot token for a vote attempt. Every call
// draws a new nonce, so two calls for the same request yield distinct tokens.
type Generator interface {
	Generate(ctx context.Context, req Request) (Token, error)
}
