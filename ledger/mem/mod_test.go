package mem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/isoloir/ledger"
)

func TestLedger_CreateThenGet(t *testing.T) {
	l := NewLedger()

	obj := ledger.Object{Kind: "test", Owner: "0xA1", Payload: []byte("deadbeef")}

	id, conf, err := l.Create(context.Background(), obj)
	require.NoError(t, err)
	require.NoError(t, conf.Wait(context.Background()))
	require.NotEmpty(t, id)

	got, version, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ledger.Version(0), version)
	require.Equal(t, obj, got)

	_, _, err = l.Get(context.Background(), "unknown")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedger_UpdateChecksVersion(t *testing.T) {
	l := NewLedger()

	id, _, err := l.Create(context.Background(), ledger.Object{Kind: "test"})
	require.NoError(t, err)

	_, err = l.Update(context.Background(), id, 0, ledger.Object{Kind: "test", Payload: []byte("a")})
	require.NoError(t, err)

	// replay with the stale version
	_, err = l.Update(context.Background(), id, 0, ledger.Object{Kind: "test", Payload: []byte("b")})
	require.ErrorIs(t, err, ledger.ErrVersionConflict)

	got, version, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ledger.Version(1), version)
	require.Equal(t, []byte("a"), got.Payload)
}

func TestLedger_Delete(t *testing.T) {
	l := NewLedger()

	id, _, err := l.Create(context.Background(), ledger.Object{Kind: "test"})
	require.NoError(t, err)

	_, err = l.Delete(context.Background(), id, 1)
	require.ErrorIs(t, err, ledger.ErrVersionConflict)

	_, err = l.Delete(context.Background(), id, 0)
	require.NoError(t, err)

	_, _, err = l.Get(context.Background(), id)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = l.Delete(context.Background(), id, 0)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedger_GetReturnsCopy(t *testing.T) {
	l := NewLedger()

	id, _, err := l.Create(context.Background(), ledger.Object{Kind: "test", Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	got, _, err := l.Get(context.Background(), id)
	require.NoError(t, err)

	got.Payload[0] = 9

	again, _, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, again.Payload)
}
