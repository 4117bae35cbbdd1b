package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/xid"
	"go.dedis.ch/isoloir/bridge"
	"go.dedis.ch/isoloir/croupier"
	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/pipeline"
	"go.dedis.ch/isoloir/proxy"
	"go.dedis.ch/isoloir/scrutateur"
	"go.dedis.ch/isoloir/seal"
	"go.dedis.ch/isoloir/token"
	"go.dedis.ch/isoloir/verified"
	"golang.org/x/xerrors"
)

// Handlers exposes the pipeline operations over the proxy. Byte fields are
// base64 in the JSON bodies.
type Handlers struct {
	pipeline   *pipeline.Pipeline
	bridge     *bridge.Bridge
	verified   *verified.Service
	croupier   *croupier.Service
	scrutateur *scrutateur.Service
	admin      string
	verifiedID ledger.ID
	croupierID ledger.ID
	scrutatID  ledger.ID
}

// NewHandlers creates the handler set for a deployment.
func NewHandlers(p *pipeline.Pipeline, b *bridge.Bridge, v *verified.Service,
	c *croupier.Service, s *scrutateur.Service, cfg pipeline.Config) *Handlers {

	return &Handlers{
		pipeline:   p,
		bridge:     b,
		verified:   v,
		croupier:   c,
		scrutateur: s,
		admin:      cfg.Admin,
		verifiedID: cfg.VerifiedID,
		croupierID: cfg.CroupierID,
		scrutatID:  cfg.ScrutateurID,
	}
}

// Register mounts the handlers on the proxy.
func (h *Handlers) Register(p proxy.Proxy) {
	p.RegisterHandler("/vote", h.Vote)
	p.RegisterHandler("/mix", h.Mix)
	p.RegisterHandler("/envelope", h.Envelope)
	p.RegisterHandler("/bridge/peel-outer", h.PeelOuter)
	p.RegisterHandler("/bridge/decrypt-inner", h.DecryptInner)
	p.RegisterHandler("/verified/add", h.VerifiedAdd)
	p.RegisterHandler("/croupier/status", h.CroupierStatus)
	p.RegisterHandler("/croupier/shuffle", h.CroupierShuffle)
	p.RegisterHandler("/croupier/forward", h.CroupierForward)
	p.RegisterHandler("/scrutateur/entries", h.ScrutateurEntries)
	p.RegisterHandler("/scrutateur/processed", h.ScrutateurProcessed)
}

// VoteRequest is the body of POST /vote. An empty saga identifier starts a
// fresh saga; re-sending the same one resumes it.
type VoteRequest struct {
	SagaID     string `json:"saga_id,omitempty"`
	Voter      string `json:"voter"`
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	Vote       int    `json:"vote"`
}

// VoteResponse is the body returned by POST /vote.
type VoteResponse struct {
	SagaID       string `json:"saga_id"`
	RecordID     string `json:"record_id"`
	InnerID      []byte `json:"inner_id"`
	OuterID      []byte `json:"outer_id"`
	PlainHash    []byte `json:"plain_hash"`
	ReceiveIndex int    `json:"receive_index"`
}

// Vote runs the full ballot saga for a voter.
func (h *Handlers) Vote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req VoteRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	if req.SagaID == "" {
		req.SagaID = xid.New().String()
	}

	res, err := h.pipeline.Cast(r.Context(), req.SagaID, req.Voter, token.Request{
		Identifier: req.Identifier,
		Name:       req.Name,
		Vote:       req.Vote,
	})
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, VoteResponse{
		SagaID:       req.SagaID,
		RecordID:     string(res.RecordID),
		InnerID:      res.InnerID,
		OuterID:      res.OuterID,
		PlainHash:    res.PlainHash,
		ReceiveIndex: res.ReceiveIndex,
	})
}

// MixRequest is the body of POST /mix. A missing permutation lets the server
// draw a random one.
type MixRequest struct {
	Destination string `json:"destination"`
	Permutation []int  `json:"permutation,omitempty"`
}

// MixResponse is the body returned by POST /mix.
type MixResponse struct {
	Destination string   `json:"destination"`
	Shuffled    bool     `json:"shuffled"`
	Ciphertexts [][]byte `json:"ciphertexts"`
}

// Mix shuffles and forwards the ingestion store.
func (h *Handlers) Mix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req MixRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	batch, err := h.pipeline.Mix(r.Context(), req.Destination, req.Permutation)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, MixResponse{
		Destination: batch.Destination,
		Shuffled:    batch.Shuffled,
		Ciphertexts: batch.Ciphertexts,
	})
}

// PeelRequest is the body of the two peel endpoints. InnerCt is only needed
// for the inner layer.
type PeelRequest struct {
	Caller   string `json:"caller"`
	RecordID string `json:"record_id"`
	LayerID  []byte `json:"layer_id"`
	InnerCt  []byte `json:"inner_ct,omitempty"`
}

// PeelOuter removes the outer layer of an envelope and returns the inner
// ciphertext.
func (h *Handlers) PeelOuter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req PeelRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	innerCt, err := h.bridge.PeelOuter(r.Context(), req.Caller,
		ledger.ID(req.RecordID), req.LayerID)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, map[string][]byte{"inner_ct": innerCt})
}

// DecryptInner removes the inner layer and returns the plaintext.
func (h *Handlers) DecryptInner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req PeelRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	plaintext, err := h.bridge.PeelInner(r.Context(), req.Caller,
		ledger.ID(req.RecordID), req.LayerID, req.InnerCt)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, map[string][]byte{"plaintext": plaintext})
}

// Envelope returns the public part of a cipher envelope.
func (h *Handlers) Envelope(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		httpError(w, http.StatusBadRequest, xerrors.New("missing 'id' parameter"))
		return
	}

	envelope, err := h.bridge.GetEnvelope(r.Context(), ledger.ID(id))
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, envelope)
}

// VerifiedAdd registers an address in the verified set.
func (h *Handlers) VerifiedAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req struct {
		Address string `json:"address"`
	}

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	err = h.verified.Add(r.Context(), h.admin, h.verifiedID, req.Address)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, map[string]string{"address": req.Address})
}

// CroupierStatus returns the status and length of the ingestion store.
func (h *Handlers) CroupierStatus(w http.ResponseWriter, r *http.Request) {
	status, shuffled, err := h.croupier.GetStatus(r.Context(), h.croupierID)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	length, err := h.croupier.Length(r.Context(), h.croupierID)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, map[string]interface{}{
		"status":   status.String(),
		"shuffled": shuffled,
		"length":   length,
	})
}

// CroupierShuffle applies a permutation to the ingestion store. A missing
// permutation lets the server draw a random one through Mix; this endpoint
// expects an explicit one.
func (h *Handlers) CroupierShuffle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req struct {
		Permutation []int `json:"permutation"`
	}

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	err = h.croupier.Shuffle(r.Context(), h.admin, h.croupierID, req.Permutation)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, map[string]string{"status": croupier.StatusShuffled.String()})
}

// CroupierForward hands the batch off downstream.
func (h *Handlers) CroupierForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req struct {
		Destination string `json:"destination"`
	}

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	batch, err := h.croupier.ForwardAll(r.Context(), h.admin, h.croupierID, req.Destination)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, MixResponse{
		Destination: batch.Destination,
		Shuffled:    batch.Shuffled,
		Ciphertexts: batch.Ciphertexts,
	})
}

// ScrutateurProcessed marks a reception entry as processed.
func (h *Handlers) ScrutateurProcessed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, xerrors.New("expected POST"))
		return
	}

	var req struct {
		Index int `json:"index"`
	}

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		httpError(w, http.StatusBadRequest, xerrors.Errorf("failed to decode body: %v", err))
		return
	}

	err = h.scrutateur.MarkProcessed(r.Context(), h.admin, h.scrutatID, req.Index)
	if err != nil && !xerrors.Is(err, scrutateur.ErrAlreadyProcessed) {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, map[string]int{"index": req.Index})
}

// ScrutateurEntries returns the reception store entries.
func (h *Handlers) ScrutateurEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scrutateur.Entries(r.Context(), h.scrutatID)
	if err != nil {
		httpError(w, statusOf(err), err)
		return
	}

	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// statusOf maps the pipeline error classes to http status codes.
func statusOf(err error) int {
	switch {
	case xerrors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case xerrors.Is(err, croupier.ErrNotVerified),
		xerrors.Is(err, croupier.ErrUnauthorized),
		xerrors.Is(err, scrutateur.ErrUnauthorized),
		xerrors.Is(err, verified.ErrUnauthorized),
		xerrors.Is(err, seal.ErrPolicyDenied):
		return http.StatusForbidden
	case xerrors.Is(err, croupier.ErrDuplicateSubmission),
		xerrors.Is(err, ledger.ErrVersionConflict):
		return http.StatusConflict
	case xerrors.Is(err, croupier.ErrNotOpen),
		xerrors.Is(err, croupier.ErrInvalidPermutation),
		xerrors.Is(err, scrutateur.ErrIndexOutOfRange),
		xerrors.Is(err, bridge.ErrLayerMismatch),
		xerrors.Is(err, token.ErrInvalidIdentifier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
