package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/holds"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	var s = NewMemoryStore()

	require.NoError(t, s.CreateCollection("input", frontier.At(0), frontier.At(100)))
	require.EqualError(t, s.CreateCollection("input", frontier.At(0), frontier.At(100)),
		"collection input already exists")
	require.EqualError(t, s.CreateCollection("bad", frontier.At(50), frontier.At(10)),
		"read frontier [50] exceeds write frontier [10]")

	var read, write, err = s.Frontiers("input")
	require.NoError(t, err)
	assert.True(t, frontier.At(0).Equal(read))
	assert.True(t, frontier.At(100).Equal(write))

	_, _, err = s.Frontiers("missing")
	require.EqualError(t, err, "no such collection missing")
}

func TestMemoryStoreCompactionBoundedByPin(t *testing.T) {
	var s = NewMemoryStore()
	require.NoError(t, s.CreateCollection("input", frontier.At(0), frontier.At(1000)))

	require.NoError(t, s.AcquireHold("input", 300))

	// Compaction may not pass the pin.
	require.NoError(t, s.Compact("input", 800))
	var read, _, _ = s.Frontiers("input")
	assert.True(t, frontier.At(300).Equal(read))

	// Nor the write frontier.
	s.ReleaseHold("input")
	require.NoError(t, s.Compact("input", 5000))
	read, _, _ = s.Frontiers("input")
	assert.True(t, frontier.At(1000).Equal(read))

	// A hold behind the read frontier is refused: history is gone.
	var err = s.AcquireHold("input", 200)
	require.Error(t, err)
	assert.Equal(t, holds.ErrAlreadyCompacted, errors.Cause(err))
}

func TestMemoryStoreWriteAdvancement(t *testing.T) {
	var s = NewMemoryStore()
	require.NoError(t, s.CreateCollection("input", frontier.At(0), frontier.At(100)))

	require.NoError(t, s.AdvanceWrite("input", frontier.At(500)))
	var _, write, _ = s.Frontiers("input")
	assert.True(t, frontier.At(500).Equal(write))

	// Regressions are discarded.
	require.NoError(t, s.AdvanceWrite("input", frontier.At(200)))
	_, write, _ = s.Frontiers("input")
	assert.True(t, frontier.At(500).Equal(write))

	// The empty frontier is terminal.
	require.NoError(t, s.AdvanceWrite("input", frontier.Empty()))
	_, write, _ = s.Frontiers("input")
	assert.True(t, write.IsEmpty())
}

func TestMemoryStorePinIntrospection(t *testing.T) {
	var s = NewMemoryStore()
	require.NoError(t, s.CreateCollection("input", frontier.At(0), frontier.At(100)))

	var _, ok, err = s.Pin("input")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AcquireHold("input", 42))
	var at, ok2, _ = s.Pin("input")
	require.True(t, ok2)
	assert.Equal(t, frontier.Time(42), at)

	_, _, err = s.Pin("missing")
	require.Error(t, err)
}
