package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/isoloir/kv"
	"go.dedis.ch/isoloir/ledger"
)

func TestLedger_RoundTrip(t *testing.T) {
	l := makeLedger(t)

	obj := ledger.Object{Kind: "test", Owner: "0xA1", Payload: []byte("payload")}

	id, conf, err := l.Create(context.Background(), obj)
	require.NoError(t, err)
	require.NoError(t, conf.Wait(context.Background()))

	got, version, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ledger.Version(0), version)
	require.Equal(t, obj, got)
}

func TestLedger_UpdateChecksVersion(t *testing.T) {
	l := makeLedger(t)

	id, _, err := l.Create(context.Background(), ledger.Object{Kind: "test"})
	require.NoError(t, err)

	_, err = l.Update(context.Background(), id, 0, ledger.Object{Kind: "test", Payload: []byte("a")})
	require.NoError(t, err)

	_, err = l.Update(context.Background(), id, 0, ledger.Object{Kind: "test", Payload: []byte("b")})
	require.ErrorIs(t, err, ledger.ErrVersionConflict)

	got, version, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ledger.Version(1), version)
	require.Equal(t, []byte("a"), got.Payload)

	_, err = l.Update(context.Background(), "unknown", 0, ledger.Object{})
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestLedger_Delete(t *testing.T) {
	l := makeLedger(t)

	id, _, err := l.Create(context.Background(), ledger.Object{Kind: "test"})
	require.NoError(t, err)

	_, err = l.Delete(context.Background(), id, 4)
	require.ErrorIs(t, err, ledger.ErrVersionConflict)

	_, err = l.Delete(context.Background(), id, 0)
	require.NoError(t, err)

	_, _, err = l.Get(context.Background(), id)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

// -----------------------------------------------------------------------------
// Utility functions

func makeLedger(t *testing.T) *Ledger {
	db, err := kv.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	l, err := NewLedger(db)
	require.NoError(t, err)

	return l
}
