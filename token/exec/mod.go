// Package exec implements the token generator by invoking an external
// process. The process receives the vote attempt as flags and is expected to
// print the token as a single JSON document on stdout, or to exit non-zero
// with diagnostics on stderr.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"

	"go.dedis.ch/isoloir/token"
	"golang.org/x/xerrors"
)

// Generator shells out to an external token generator.
//
// - implements token.Generator
type Generator struct {
	path string
	args []string
}

// NewGenerator creates a generator invoking the binary at path. Extra args
// are prepended to the per-request flags, e.g. the script name when path is
// an interpreter.
func NewGenerator(path string, args ...string) Generator {
	return Generator{path: path, args: args}
}

// Generate implements token.Generator. It runs the external process and
// parses its JSON output.
func (g Generator) Generate(ctx context.Context, req token.Request) (token.Token, error) {
	if !isDigits(req.Identifier) {
		return token.Token{}, xerrors.Errorf("identifier '%s': %w",
			req.Identifier, token.ErrInvalidIdentifier)
	}

	args := append([]string{}, g.args...)
	args = append(args,
		"--identifier", req.Identifier,
		"--vote", strconv.Itoa(req.Vote),
		"--json",
	)
	if req.Name != "" {
		args = append(args, "--name", req.Name)
	}

	cmd := exec.CommandContext(ctx, g.path, args...)

	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		return token.Token{}, xerrors.Errorf("generator process failed: %v (%s): %w",
			err, bytes.TrimSpace(stderr.Bytes()), token.ErrGenerationFailure)
	}

	var tok token.Token
	err = json.Unmarshal(bytes.TrimSpace(out), &tok)
	if err != nil {
		return token.Token{}, xerrors.Errorf("malformed generator output: %v: %w",
			err, token.ErrGenerationFailure)
	}

	if tok.Token == "" || tok.PayloadHash == "" {
		return token.Token{}, xerrors.Errorf("generator output misses token or payload hash: %w",
			token.ErrGenerationFailure)
	}

	return tok, nil
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
