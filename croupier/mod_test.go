package croupier

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/ledger/mem"
	"go.dedis.ch/isoloir/verified"
)

func TestService_Submit(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1", "0xC3")

	index, err := srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("ct-a"))
	require.NoError(t, err)
	require.Equal(t, 0, index)

	index, err = srvc.Submit(context.Background(), "0xC3", storeID, setID, []byte("ct-c"))
	require.NoError(t, err)
	require.Equal(t, 1, index)

	length, err := srvc.Length(context.Background(), storeID)
	require.NoError(t, err)
	require.Equal(t, 2, length)
}

func TestService_SubmitNotVerified(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1")

	_, err := srvc.Submit(context.Background(), "0xB2", storeID, setID, []byte("ct"))
	require.ErrorIs(t, err, ErrNotVerified)

	// the store is untouched
	length, err := srvc.Length(context.Background(), storeID)
	require.NoError(t, err)
	require.Equal(t, 0, length)
}

func TestService_SubmitDuplicate(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1")

	_, err := srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("first"))
	require.NoError(t, err)

	_, err = srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("second"))
	require.ErrorIs(t, err, ErrDuplicateSubmission)

	length, err := srvc.Length(context.Background(), storeID)
	require.NoError(t, err)
	require.Equal(t, 1, length)
}

func TestService_SubmitDuplicateAfterShuffle(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1", "0xC3")

	_, err := srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("ct"))
	require.NoError(t, err)

	err = srvc.Shuffle(context.Background(), "admin", storeID, []int{0})
	require.NoError(t, err)

	// an earlier submitter keeps getting the duplicate signal once the
	// store is closed, so a resumed submission stays distinguishable
	_, err = srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("ct"))
	require.ErrorIs(t, err, ErrDuplicateSubmission)

	// a fresh submitter is turned away by the closed store
	_, err = srvc.Submit(context.Background(), "0xC3", storeID, setID, []byte("ct"))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestService_Shuffle(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1", "0xC3", "0xD4")

	voters := []string{"0xA1", "0xC3", "0xD4"}
	for i, v := range voters {
		_, err := srvc.Submit(context.Background(), v, storeID, setID,
			[]byte(fmt.Sprintf("ct-%d", i)))
		require.NoError(t, err)
	}

	err := srvc.Shuffle(context.Background(), "admin", storeID, []int{2, 0, 1})
	require.NoError(t, err)

	status, shuffled, err := srvc.GetStatus(context.Background(), storeID)
	require.NoError(t, err)
	require.Equal(t, StatusShuffled, status)
	require.True(t, shuffled)

	batch, err := srvc.ForwardAll(context.Background(), "admin", storeID, "0xDEST")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("ct-2"), []byte("ct-0"), []byte("ct-1")}, batch.Ciphertexts)
}

func TestService_ShuffleRoundTrip(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1", "0xC3", "0xD4")

	for i, v := range []string{"0xA1", "0xC3", "0xD4"} {
		_, err := srvc.Submit(context.Background(), v, storeID, setID,
			[]byte(fmt.Sprintf("ct-%d", i)))
		require.NoError(t, err)
	}

	// applying a permutation then its inverse recovers the original order
	err := srvc.Shuffle(context.Background(), "admin", storeID, []int{1, 2, 0})
	require.NoError(t, err)

	err = srvc.Shuffle(context.Background(), "admin", storeID, []int{2, 0, 1})
	require.NoError(t, err)

	batch, err := srvc.ForwardAll(context.Background(), "admin", storeID, "0xDEST")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("ct-0"), []byte("ct-1"), []byte("ct-2")}, batch.Ciphertexts)
}

func TestService_ShuffleInvalidPermutation(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1", "0xC3")

	_, err := srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("a"))
	require.NoError(t, err)

	_, err = srvc.Submit(context.Background(), "0xC3", storeID, setID, []byte("b"))
	require.NoError(t, err)

	err = srvc.Shuffle(context.Background(), "admin", storeID, []int{0})
	require.ErrorIs(t, err, ErrInvalidPermutation)

	err = srvc.Shuffle(context.Background(), "admin", storeID, []int{0, 0})
	require.ErrorIs(t, err, ErrInvalidPermutation)

	err = srvc.Shuffle(context.Background(), "admin", storeID, []int{0, 2})
	require.ErrorIs(t, err, ErrInvalidPermutation)

	err = srvc.Shuffle(context.Background(), "admin", storeID, []int{0, -1})
	require.ErrorIs(t, err, ErrInvalidPermutation)
}

func TestService_AdminOnly(t *testing.T) {
	srvc, storeID, _ := makeStage(t, "0xA1")

	err := srvc.Shuffle(context.Background(), "0xB2", storeID, nil)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = srvc.ForwardAll(context.Background(), "0xB2", storeID, "0xDEST")
	require.ErrorIs(t, err, ErrUnauthorized)

	err = srvc.DeleteAll(context.Background(), "0xB2", storeID)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestService_ForwardWithoutShuffleIsFlagged(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1")

	_, err := srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("ct"))
	require.NoError(t, err)

	batch, err := srvc.ForwardAll(context.Background(), "admin", storeID, "0xDEST")
	require.NoError(t, err)
	require.False(t, batch.Shuffled)
	require.Equal(t, "0xDEST", batch.Destination)
}

func TestService_ForwardedStoreIsClosed(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1", "0xC3")

	_, err := srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("ct"))
	require.NoError(t, err)

	_, err = srvc.ForwardAll(context.Background(), "admin", storeID, "0xDEST")
	require.NoError(t, err)

	_, err = srvc.Submit(context.Background(), "0xC3", storeID, setID, []byte("late"))
	require.ErrorIs(t, err, ErrNotOpen)

	_, err = srvc.ForwardAll(context.Background(), "admin", storeID, "0xDEST")
	require.EqualError(t, err, "store '"+string(storeID)+"' is already forwarded")

	err = srvc.Shuffle(context.Background(), "admin", storeID, nil)
	require.EqualError(t, err, "store '"+string(storeID)+"' is already forwarded")
}

func TestService_DeleteAllResets(t *testing.T) {
	srvc, storeID, setID := makeStage(t, "0xA1")

	_, err := srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("ct"))
	require.NoError(t, err)

	_, err = srvc.ForwardAll(context.Background(), "admin", storeID, "0xDEST")
	require.NoError(t, err)

	err = srvc.DeleteAll(context.Background(), "admin", storeID)
	require.NoError(t, err)

	length, err := srvc.Length(context.Background(), storeID)
	require.NoError(t, err)
	require.Equal(t, 0, length)

	// the same participant can submit again in the new round
	_, err = srvc.Submit(context.Background(), "0xA1", storeID, setID, []byte("ct2"))
	require.NoError(t, err)
}

// -----------------------------------------------------------------------------
// Utility functions

// makeStage returns a croupier service with a fresh store administrated by
// "admin" and a verified set holding the given addresses.
func makeStage(t *testing.T, addrs ...string) (*Service, ledger.ID, ledger.ID) {
	l := mem.NewLedger()

	vsrvc := verified.NewService(l)

	setID, err := vsrvc.Create(context.Background(), "admin")
	require.NoError(t, err)

	for _, addr := range addrs {
		err = vsrvc.Add(context.Background(), "admin", setID, addr)
		require.NoError(t, err)
	}

	srvc := NewService(l, vsrvc)

	storeID, err := srvc.Create(context.Background(), "admin")
	require.NoError(t, err)

	return srvc, storeID, setID
}
