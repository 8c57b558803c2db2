package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/holds"
)

func TestStoreRoundTripAcrossReopen(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "oxbow.db")

	var s, err = Open(path)
	require.NoError(t, err)

	require.NoError(t, s.CreateCollection("input", frontier.At(0), frontier.At(1000)))
	require.NoError(t, s.AcquireHold("input", 300))
	require.NoError(t, s.AdvanceWrite("input", frontier.At(2000)))
	require.NoError(t, s.Close())

	// Reopen. Persisted frontiers and the pin are intact, and a
	// re-registration of the collection doesn't clobber them.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateCollection("input", frontier.At(0), frontier.At(1000)))

	var read, write, ferr = s.Frontiers("input")
	require.NoError(t, ferr)
	assert.True(t, frontier.At(0).Equal(read))
	assert.True(t, frontier.At(2000).Equal(write))

	var at, pinned, perr = s.Pin("input")
	require.NoError(t, perr)
	require.True(t, pinned)
	assert.Equal(t, frontier.Time(300), at)
}

func TestStoreCompactionBoundedByPinAndWrite(t *testing.T) {
	var s, err = Open(filepath.Join(t.TempDir(), "oxbow.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateCollection("input", frontier.At(0), frontier.At(1000)))
	require.NoError(t, s.AcquireHold("input", 400))

	require.NoError(t, s.Compact("input", 900))
	var read, _, _ = s.Frontiers("input")
	assert.True(t, frontier.At(400).Equal(read))

	s.ReleaseHold("input")
	require.NoError(t, s.Compact("input", 5000))
	read, _, _ = s.Frontiers("input")
	assert.True(t, frontier.At(1000).Equal(read))

	// History before the read frontier is gone; a hold there is refused.
	err = s.AcquireHold("input", 200)
	require.Error(t, err)
	assert.Equal(t, holds.ErrAlreadyCompacted, errors.Cause(err))
}

func TestStoreTerminalWriteFrontier(t *testing.T) {
	var s, err = Open(filepath.Join(t.TempDir(), "oxbow.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateCollection("view", frontier.At(0), frontier.At(100)))
	require.NoError(t, s.AdvanceWrite("view", frontier.Empty()))

	var _, write, _ = s.Frontiers("view")
	assert.True(t, write.IsEmpty())

	// Regressions after the terminal frontier are discarded.
	require.NoError(t, s.AdvanceWrite("view", frontier.At(50)))
	_, write, _ = s.Frontiers("view")
	assert.True(t, write.IsEmpty())
}

func TestStoreUnknownCollection(t *testing.T) {
	var s, err = Open(filepath.Join(t.TempDir(), "oxbow.db"))
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Frontiers("missing")
	require.EqualError(t, err, "no such collection missing")
	_, _, err = s.Pin("missing")
	require.Error(t, err)
	require.Error(t, s.AdvanceWrite("missing", frontier.At(1)))
}
