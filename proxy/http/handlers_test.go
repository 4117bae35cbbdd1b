package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/isoloir/bridge"
	"go.dedis.ch/isoloir/croupier"
	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/ledger/mem"
	"go.dedis.ch/isoloir/pipeline"
	"go.dedis.ch/isoloir/scrutateur"
	"go.dedis.ch/isoloir/seal"
	"go.dedis.ch/isoloir/seal/elgamal"
	"go.dedis.ch/isoloir/token/local"
	"go.dedis.ch/isoloir/verified"
	"golang.org/x/xerrors"
)

func TestHandlers_Vote(t *testing.T) {
	handlers, _ := makeHandlers(t)

	body, err := json.Marshal(VoteRequest{
		Voter:      "0xA1",
		Identifier: "123456",
		Vote:       7,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handlers.Vote(rr, httptest.NewRequest(http.MethodPost, "/vote", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)

	var res VoteResponse
	err = json.Unmarshal(rr.Body.Bytes(), &res)
	require.NoError(t, err)

	require.NotEmpty(t, res.SagaID)
	require.NotEmpty(t, res.RecordID)
	require.Len(t, res.PlainHash, 32)
}

func TestHandlers_Vote_Unverified(t *testing.T) {
	handlers, _ := makeHandlers(t)

	body, err := json.Marshal(VoteRequest{
		Voter:      "0xB2",
		Identifier: "123456",
		Vote:       7,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handlers.Vote(rr, httptest.NewRequest(http.MethodPost, "/vote", bytes.NewReader(body)))

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Body.String(), "error")
}

func TestHandlers_Vote_BadBody(t *testing.T) {
	handlers, _ := makeHandlers(t)

	rr := httptest.NewRecorder()
	handlers.Vote(rr, httptest.NewRequest(http.MethodPost, "/vote",
		bytes.NewReader([]byte("not json"))))

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlers_Vote_BadMethod(t *testing.T) {
	handlers, _ := makeHandlers(t)

	rr := httptest.NewRecorder()
	handlers.Vote(rr, httptest.NewRequest(http.MethodGet, "/vote", nil))

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandlers_VerifiedAdd(t *testing.T) {
	handlers, cfg := makeHandlers(t)

	body := []byte(`{"address":"0xB2"}`)

	rr := httptest.NewRecorder()
	handlers.VerifiedAdd(rr, httptest.NewRequest(http.MethodPost, "/verified/add",
		bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)

	ok, err := handlers.verified.Contains(context.Background(), cfg.VerifiedID, "0xB2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHandlers_CroupierStatus(t *testing.T) {
	handlers, _ := makeHandlers(t)

	rr := httptest.NewRecorder()
	handlers.CroupierStatus(rr, httptest.NewRequest(http.MethodGet, "/croupier/status", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var res map[string]interface{}
	err := json.Unmarshal(rr.Body.Bytes(), &res)
	require.NoError(t, err)
	require.Equal(t, "open", res["status"])
	require.Equal(t, float64(0), res["length"])
}

func TestHandlers_MixThenEntries(t *testing.T) {
	handlers, _ := makeHandlers(t)

	body, err := json.Marshal(VoteRequest{Voter: "0xA1", Identifier: "123456", Vote: 4})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handlers.Vote(rr, httptest.NewRequest(http.MethodPost, "/vote", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handlers.Mix(rr, httptest.NewRequest(http.MethodPost, "/mix",
		bytes.NewReader([]byte(`{"destination":"tally"}`))))
	require.Equal(t, http.StatusOK, rr.Code)

	var mix MixResponse
	err = json.Unmarshal(rr.Body.Bytes(), &mix)
	require.NoError(t, err)
	require.Len(t, mix.Ciphertexts, 1)

	rr = httptest.NewRecorder()
	handlers.ScrutateurEntries(rr, httptest.NewRequest(http.MethodGet, "/scrutateur/entries", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var entries []scrutateur.Entry
	err = json.Unmarshal(rr.Body.Bytes(), &entries)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Processed)
}

func TestHandlers_PeelEndpoints(t *testing.T) {
	handlers, _ := makeHandlers(t)

	sealed, err := handlers.bridge.SealTwice(context.Background(), bridge.SealRequest{
		Owner:     "0xA1",
		Plaintext: []byte("07cafe"),
	})
	require.NoError(t, err)

	body, err := json.Marshal(PeelRequest{
		Caller:   "0xA1",
		RecordID: string(sealed.RecordID),
		LayerID:  sealed.OuterID,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handlers.PeelOuter(rr, httptest.NewRequest(http.MethodPost, "/bridge/peel-outer",
		bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var outer map[string][]byte
	err = json.Unmarshal(rr.Body.Bytes(), &outer)
	require.NoError(t, err)

	body, err = json.Marshal(PeelRequest{
		Caller:   "0xA1",
		RecordID: string(sealed.RecordID),
		LayerID:  sealed.InnerID,
		InnerCt:  outer["inner_ct"],
	})
	require.NoError(t, err)

	rr = httptest.NewRecorder()
	handlers.DecryptInner(rr, httptest.NewRequest(http.MethodPost, "/bridge/decrypt-inner",
		bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var inner map[string][]byte
	err = json.Unmarshal(rr.Body.Bytes(), &inner)
	require.NoError(t, err)
	require.Equal(t, []byte("07cafe"), inner["plaintext"])
}

func TestHandlers_PeelOuter_Stranger(t *testing.T) {
	handlers, _ := makeHandlers(t)

	sealed, err := handlers.bridge.SealTwice(context.Background(), bridge.SealRequest{
		Owner:     "0xA1",
		Plaintext: []byte("07cafe"),
	})
	require.NoError(t, err)

	body, err := json.Marshal(PeelRequest{
		Caller:   "0xB2",
		RecordID: string(sealed.RecordID),
		LayerID:  sealed.OuterID,
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handlers.PeelOuter(rr, httptest.NewRequest(http.MethodPost, "/bridge/peel-outer",
		bytes.NewReader(body)))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandlers_ShuffleForwardProcessed(t *testing.T) {
	handlers, cfg := makeHandlers(t)

	_, err := handlers.croupier.Submit(context.Background(), "0xA1", cfg.CroupierID,
		cfg.VerifiedID, []byte{42})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handlers.CroupierShuffle(rr, httptest.NewRequest(http.MethodPost, "/croupier/shuffle",
		bytes.NewReader([]byte(`{"permutation":[0]}`))))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handlers.CroupierForward(rr, httptest.NewRequest(http.MethodPost, "/croupier/forward",
		bytes.NewReader([]byte(`{"destination":"tally"}`))))
	require.Equal(t, http.StatusOK, rr.Code)

	var mix MixResponse
	err = json.Unmarshal(rr.Body.Bytes(), &mix)
	require.NoError(t, err)
	require.True(t, mix.Shuffled)
	require.Equal(t, [][]byte{{42}}, mix.Ciphertexts)

	_, err = handlers.scrutateur.ReceiveBlob(context.Background(), cfg.ScrutateurID, []byte{42})
	require.NoError(t, err)

	rr = httptest.NewRecorder()
	handlers.ScrutateurProcessed(rr, httptest.NewRequest(http.MethodPost, "/scrutateur/processed",
		bytes.NewReader([]byte(`{"index":0}`))))
	require.Equal(t, http.StatusOK, rr.Code)

	// marking twice is accepted
	rr = httptest.NewRecorder()
	handlers.ScrutateurProcessed(rr, httptest.NewRequest(http.MethodPost, "/scrutateur/processed",
		bytes.NewReader([]byte(`{"index":0}`))))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handlers.ScrutateurProcessed(rr, httptest.NewRequest(http.MethodPost, "/scrutateur/processed",
		bytes.NewReader([]byte(`{"index":9}`))))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlers_Envelope_NotFound(t *testing.T) {
	handlers, _ := makeHandlers(t)

	rr := httptest.NewRecorder()
	handlers.Envelope(rr, httptest.NewRequest(http.MethodGet, "/envelope?id=nope", nil))

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, http.StatusNotFound, statusOf(ledger.ErrNotFound))
	require.Equal(t, http.StatusForbidden, statusOf(croupier.ErrNotVerified))
	require.Equal(t, http.StatusForbidden, statusOf(seal.ErrPolicyDenied))
	require.Equal(t, http.StatusConflict, statusOf(croupier.ErrDuplicateSubmission))
	require.Equal(t, http.StatusConflict,
		statusOf(xerrors.Errorf("no attempt left: %w", ledger.ErrVersionConflict)))
	require.Equal(t, http.StatusBadRequest, statusOf(croupier.ErrInvalidPermutation))
	require.Equal(t, http.StatusInternalServerError, statusOf(xerrors.New("eof")))
}

// -----------------------------------------------------------------------------
// Utility functions

func makeHandlers(t *testing.T) (*Handlers, pipeline.Config) {
	l := mem.NewLedger()

	v := verified.NewService(l)

	setID, err := v.Create(context.Background(), "admin")
	require.NoError(t, err)

	err = v.Add(context.Background(), "admin", setID, "0xA1")
	require.NoError(t, err)

	c := croupier.NewService(l, v)

	croupierID, err := c.Create(context.Background(), "admin")
	require.NoError(t, err)

	s := scrutateur.NewService(l)

	scrutateurID, err := s.Create(context.Background(), "admin")
	require.NoError(t, err)

	b := bridge.NewBridge(l, elgamal.NewService(bridge.NewPolicy(l)))

	cfg := pipeline.Config{
		Admin:        "admin",
		VerifiedID:   setID,
		CroupierID:   croupierID,
		ScrutateurID: scrutateurID,
	}

	p := pipeline.NewPipeline(local.NewGenerator(), b, c, s, pipeline.NewMemJournal(), cfg)

	return NewHandlers(p, b, v, c, s, cfg), cfg
}
