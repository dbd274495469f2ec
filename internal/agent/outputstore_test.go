package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputStore_SmallResultIsNotStashed(t *testing.T) {
	s := NewOutputStore(&OutputStoreConfig{LimitPercent: 15, CharsPerToken: 4, ContextWindow: 100000})

	visible, stashed, err := s.Truncate("Search", "small result")
	require.NoError(t, err)
	assert.False(t, stashed)
	assert.Equal(t, "small result", visible)
	assert.Equal(t, 0, s.Size())
}

func TestOutputStore_OversizedResultIsStashedAndTruncated(t *testing.T) {
	s := NewOutputStore(&OutputStoreConfig{LimitPercent: 1, CharsPerToken: 4, ContextWindow: 1000})
	// ceiling = 1% * 1000 * 4 = 40 chars
	content := strings.Repeat("a", 500)

	visible, stashed, err := s.Truncate("Fetch", content)
	require.NoError(t, err)
	assert.True(t, stashed)
	assert.Less(t, len(visible), len(content))
	assert.Equal(t, 1, s.Size())

	ids := s.GetIDs()
	require.Len(t, ids, 1)
	assert.True(t, strings.HasPrefix(ids[0], "Fetch_"))
	assert.Contains(t, visible, ids[0])

	stored, ok := s.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, content, stored.Content)
	assert.Equal(t, len(content), stored.ByteSize)
}

func TestOutputStore_IDsAreUniquePerCall(t *testing.T) {
	s := NewOutputStore(&OutputStoreConfig{LimitPercent: 1, CharsPerToken: 4, ContextWindow: 1000})
	content := strings.Repeat("b", 500)

	_, _, err := s.Truncate("Fetch", content)
	require.NoError(t, err)
	_, _, err = s.Truncate("Fetch", content)
	require.NoError(t, err)

	ids := s.GetIDs()
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestOutputStore_HasAndClear(t *testing.T) {
	s := NewOutputStore(nil)
	out, err := s.Store("Search", "hello")
	require.NoError(t, err)

	assert.True(t, s.Has(out.ID))
	s.Clear()
	assert.False(t, s.Has(out.ID))
	assert.Equal(t, 0, s.Size())
}

func TestOutputStoreConfig_DefaultCeilingMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultOutputStoreConfig()
	assert.Equal(t, float64(15), cfg.LimitPercent)
	assert.Equal(t, 4, cfg.CharsPerToken)
	assert.Equal(t, 128000, cfg.ContextWindow)
	// 15% * 128000 * 4 = 76800
	assert.Equal(t, 76800, cfg.ceiling())
}
