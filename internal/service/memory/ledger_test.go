package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := openLedger(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.next("dyno")
		require.NoError(t, err)
	}
	require.NoError(t, l.reset("dyno"))

	reopened, err := openLedger(dir)
	require.NoError(t, err)
	floor, last := reopened.bounds("dyno")
	assert.Equal(t, int64(3), floor)
	assert.Equal(t, int64(3), last)

	seq, err := reopened.next("dyno")
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestLedgerReconcileCatchesUpWithStoredTurns(t *testing.T) {
	l, err := openLedger("")
	require.NoError(t, err)

	scans := 0
	scan := func() (int64, int64, error) {
		scans++
		return 7, 11, nil
	}

	require.NoError(t, l.reconcile("dyna", 5, scan))
	floor, last := l.bounds("dyna")
	assert.Equal(t, int64(6), floor)
	assert.Equal(t, int64(11), last)

	seq, err := l.next("dyna")
	require.NoError(t, err)
	assert.Equal(t, int64(12), seq)

	// A counter already covering storage is trusted without a scan.
	require.NoError(t, l.reconcile("dyna", 2, scan))
	_, last = l.bounds("dyna")
	assert.Equal(t, int64(12), last)
	assert.Equal(t, 1, scans)
}

func TestLedgerReconcileEmptyCollectionSkipsScan(t *testing.T) {
	l, err := openLedger("")
	require.NoError(t, err)

	require.NoError(t, l.reconcile("mario", 0, func() (int64, int64, error) {
		return 0, 0, assert.AnError
	}))
	seq, err := l.next("mario")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestLedgerReconcileReportsScanFailure(t *testing.T) {
	l, err := openLedger("")
	require.NoError(t, err)

	err = l.reconcile("dyno", 3, func() (int64, int64, error) {
		return 0, 0, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[]", formatVector(nil))
	assert.Equal(t, "[0.5,-1,2.25]", formatVector([]float32{0.5, -1, 2.25}))
}

func TestStorageErrorDoesNotDoubleWrap(t *testing.T) {
	inner := storageErr("append", "dyno", assert.AnError)
	outer := storageErr("query", "dyno", inner)

	assert.Same(t, inner, outer)
	assert.ErrorIs(t, outer, assert.AnError)
	assert.Contains(t, outer.Error(), "append")
}
