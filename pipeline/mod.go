// Package pipeline implements the vote orchestrator. One saga carries one
// ballot from token generation to its recorded plaintext; every step is a
// separate network interaction with no cross-step atomicity, so the saga
// journals its progress and resumes from the last completed step.
//
// Partial state left behind by an abandoned saga, such as an envelope with
// no ingestion entry, is a legitimate terminal state, not corruption.
package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/isoloir"
	"go.dedis.ch/isoloir/bridge"
	"go.dedis.ch/isoloir/croupier"
	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/scrutateur"
	"go.dedis.ch/isoloir/token"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"
)

// ErrIntegrityMismatch indicates that the recovered plaintext does not hash
// to the envelope's plaintext hash.
var ErrIntegrityMismatch = xerrors.New("integrity mismatch")

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 100 * time.Millisecond
)

// Step identifies one stage of the ballot saga. Every surfaced failure names
// the step it occurred at so a partially completed vote can be resumed.
type Step int

const (
	// StepToken generates the ballot token.
	StepToken Step = iota

	// StepSeal double-encrypts the token and persists the envelope.
	StepSeal

	// StepSubmit submits the outer ciphertext to the ingestion store.
	StepSubmit

	// StepPeelOuter removes the outer layer.
	StepPeelOuter

	// StepPeelInner removes the inner layer and verifies the plaintext.
	StepPeelInner

	// StepReceive stores the plaintext in the reception store.
	StepReceive

	// StepProcess records the completion of the entry.
	StepProcess

	// StepDone means the saga has finished.
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepToken:
		return "token"
	case StepSeal:
		return "seal"
	case StepSubmit:
		return "submit"
	case StepPeelOuter:
		return "peel-outer"
	case StepPeelInner:
		return "peel-inner"
	case StepReceive:
		return "receive"
	case StepProcess:
		return "process"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// Saga is the journaled progress of one ballot. Step is the next step to
// run; the other fields carry the artifacts the remaining steps need.
type Saga struct {
	Step         Step      `json:"step"`
	Voter        string    `json:"voter"`
	Token        string    `json:"token,omitempty"`
	RecordID     ledger.ID `json:"record_id,omitempty"`
	InnerID      []byte    `json:"inner_id,omitempty"`
	OuterID      []byte    `json:"outer_id,omitempty"`
	PlainHash    []byte    `json:"plain_hash,omitempty"`
	InnerCt      []byte    `json:"inner_ct,omitempty"`
	Plaintext    []byte    `json:"plaintext,omitempty"`
	ReceiveIndex int       `json:"receive_index,omitempty"`
}

// Result is the outcome of a completed saga.
type Result struct {
	RecordID     ledger.ID
	InnerID      []byte
	OuterID      []byte
	PlainHash    []byte
	Plaintext    []byte
	ReceiveIndex int
}

// Config wires a pipeline to its deployment.
type Config struct {
	// Admin is the address operating the stores.
	Admin string

	// VerifiedID, CroupierID and ScrutateurID name the ledger objects of the
	// round.
	VerifiedID   ledger.ID
	CroupierID   ledger.ID
	ScrutateurID ledger.ID

	// MaxAttempts bounds the retries of an operation failing with a
	// retryable error. Zero means the default.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry; it doubles on every
	// attempt. Zero means the default.
	BaseBackoff time.Duration
}

// Pipeline sequences the ballot sagas across the component boundaries.
type Pipeline struct {
	gen        token.Generator
	bridge     *bridge.Bridge
	croupier   *croupier.Service
	scrutateur *scrutateur.Service
	journal    Journal
	cfg        Config
	logger     zerolog.Logger
}

// NewPipeline creates a pipeline over the given collaborators.
func NewPipeline(gen token.Generator, b *bridge.Bridge, c *croupier.Service,
	s *scrutateur.Service, journal Journal, cfg Config) *Pipeline {

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = defaultBackoff
	}

	return &Pipeline{
		gen:        gen,
		bridge:     b,
		croupier:   c,
		scrutateur: s,
		journal:    journal,
		cfg:        cfg,
		logger:     isoloir.Logger.With().Str("role", "pipeline").Logger(),
	}
}

// Cast runs the saga of one ballot to completion. Calling it again with the
// same saga identifier resumes from the last completed step; a finished saga
// returns its result without side effects.
func (p *Pipeline) Cast(ctx context.Context, sagaID string, voter string,
	req token.Request) (Result, error) {

	saga, found, err := p.journal.Load(sagaID)
	if err != nil {
		return Result{}, xerrors.Errorf("failed to load journal: %v", err)
	}

	if !found {
		saga = Saga{Step: StepToken, Voter: voter}
		promSagas.WithLabelValues("started").Inc()
	}

	if saga.Voter != voter {
		return Result{}, xerrors.Errorf("saga '%s' belongs to '%s', not '%s'",
			sagaID, saga.Voter, voter)
	}

	for saga.Step < StepDone {
		err := p.runStep(ctx, &saga, req)
		if err != nil {
			promSagas.WithLabelValues("failed").Inc()
			return Result{}, xerrors.Errorf("step %v: %w", saga.Step, err)
		}

		promSteps.WithLabelValues(saga.Step.String()).Inc()
		saga.Step++

		err = p.journal.Save(sagaID, saga)
		if err != nil {
			return Result{}, xerrors.Errorf("failed to save journal: %v", err)
		}
	}

	promSagas.WithLabelValues("completed").Inc()

	return Result{
		RecordID:     saga.RecordID,
		InnerID:      saga.InnerID,
		OuterID:      saga.OuterID,
		PlainHash:    saga.PlainHash,
		Plaintext:    saga.Plaintext,
		ReceiveIndex: saga.ReceiveIndex,
	}, nil
}

func (p *Pipeline) runStep(ctx context.Context, saga *Saga, req token.Request) error {
	switch saga.Step {
	case StepToken:
		tok, err := p.gen.Generate(ctx, req)
		if err != nil {
			return err
		}

		saga.Token = tok.Token

	case StepSeal:
		var sealed bridge.Sealed

		// a create that landed before a transient failure leaves an orphan
		// envelope behind; that partial state is a tolerated terminal state
		err := p.withRetry(ctx, func() error {
			var err error
			sealed, err = p.bridge.SealTwice(ctx, bridge.SealRequest{
				Owner:     saga.Voter,
				Plaintext: []byte(saga.Token),
			})
			return err
		})
		if err != nil {
			return err
		}

		saga.RecordID = sealed.RecordID
		saga.InnerID = sealed.InnerID
		saga.OuterID = sealed.OuterID
		saga.PlainHash = sealed.PlainHash

	case StepSubmit:
		var envelope bridge.Envelope

		err := p.withRetry(ctx, func() error {
			var err error
			envelope, err = p.bridge.GetEnvelope(ctx, saga.RecordID)
			return err
		})
		if err != nil {
			return err
		}

		err = p.withRetry(ctx, func() error {
			_, err := p.croupier.Submit(ctx, saga.Voter, p.cfg.CroupierID,
				p.cfg.VerifiedID, envelope.OuterCt)
			return err
		})

		// a duplicate on resume means an earlier attempt landed before the
		// journal caught up
		if xerrors.Is(err, croupier.ErrDuplicateSubmission) {
			p.logger.Warn().Str("voter", saga.Voter).
				Msg("submission already present, resuming")
			return nil
		}

		if err != nil {
			return err
		}

	case StepPeelOuter:
		var innerCt []byte

		err := p.withRetry(ctx, func() error {
			var err error
			innerCt, err = p.bridge.PeelOuter(ctx, saga.Voter, saga.RecordID, saga.OuterID)
			return err
		})
		if err != nil {
			return err
		}

		saga.InnerCt = innerCt

	case StepPeelInner:
		var plaintext []byte

		err := p.withRetry(ctx, func() error {
			var err error
			plaintext, err = p.bridge.PeelInner(ctx, saga.Voter, saga.RecordID,
				saga.InnerID, saga.InnerCt)
			return err
		})
		if err != nil {
			return err
		}

		digest := blake2b.Sum256(plaintext)
		if !bytes.Equal(digest[:], saga.PlainHash) {
			return xerrors.Errorf("envelope '%s': %w", saga.RecordID, ErrIntegrityMismatch)
		}

		saga.Plaintext = plaintext

	case StepReceive:
		var index int

		err := p.withRetry(ctx, func() error {
			var err error
			index, err = p.scrutateur.ReceiveBlob(ctx, p.cfg.ScrutateurID, saga.Plaintext)
			return err
		})
		if err != nil {
			return err
		}

		saga.ReceiveIndex = index

	case StepProcess:
		err := p.withRetry(ctx, func() error {
			return p.scrutateur.MarkProcessed(ctx, p.cfg.Admin,
				p.cfg.ScrutateurID, saga.ReceiveIndex)
		})

		// a confirmed mark retried over the network is a no-op success
		if xerrors.Is(err, scrutateur.ErrAlreadyProcessed) {
			return nil
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// Mix shuffles then forwards the ingestion store. It runs independently of
// the individual sagas, on admin command. A nil permutation draws a secure
// random one.
func (p *Pipeline) Mix(ctx context.Context, destination string,
	permutation []int) (croupier.Batch, error) {

	if permutation == nil {
		length, err := p.croupier.Length(ctx, p.cfg.CroupierID)
		if err != nil {
			return croupier.Batch{}, xerrors.Errorf("failed to get store length: %w", err)
		}

		permutation, err = drawPermutation(length)
		if err != nil {
			return croupier.Batch{}, xerrors.Errorf("failed to draw permutation: %v", err)
		}
	}

	err := p.withRetry(ctx, func() error {
		return p.croupier.Shuffle(ctx, p.cfg.Admin, p.cfg.CroupierID, permutation)
	})
	if err != nil {
		return croupier.Batch{}, xerrors.Errorf("failed to shuffle: %w", err)
	}

	var batch croupier.Batch

	err = p.withRetry(ctx, func() error {
		var err error
		batch, err = p.croupier.ForwardAll(ctx, p.cfg.Admin, p.cfg.CroupierID, destination)
		return err
	})
	if err != nil {
		return croupier.Batch{}, xerrors.Errorf("failed to forward: %w", err)
	}

	if !batch.Shuffled {
		p.logger.Warn().Msg("batch forwarded without a recorded shuffle")
	}

	return batch, nil
}

// withRetry runs fn, retrying with exponential backoff on the retryable
// error classes. No lock is held across the waits.
func (p *Pipeline) withRetry(ctx context.Context, fn func() error) error {
	delay := p.cfg.BaseBackoff

	var err error

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isRetryable(err) {
			return err
		}

		promRetries.Inc()

		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("retrying operation")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
	}

	return xerrors.Errorf("no attempt left: %w", err)
}

func isRetryable(err error) bool {
	return xerrors.Is(err, ledger.ErrVersionConflict) || xerrors.Is(err, ledger.ErrNetwork)
}

// drawPermutation returns a uniformly random bijection on [0, length) drawn
// from a cryptographically secure source, so the permutation is independent
// of any externally observable ordering.
func drawPermutation(length int) ([]int, error) {
	permutation := make([]int, length)
	for i := range permutation {
		permutation[i] = i
	}

	for i := length - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, xerrors.Errorf("failed to draw index: %v", err)
		}

		permutation[i], permutation[j.Int64()] = permutation[j.Int64()], permutation[i]
	}

	return permutation, nil
}
