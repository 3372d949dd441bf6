package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("base", "data", "x.db"), ResolvePath("base", "data/x.db"))
	assert.Equal(t, "/abs/x.db", ResolvePath("base", "/abs//x.db"))
}

func TestValidateChannelID(t *testing.T) {
	id, err := ValidateChannelID("  lobby ")
	require.NoError(t, err)
	assert.Equal(t, "lobby", id)

	for _, bad := range []string{"", "   ", "a/b", `a\b`, "a b", "..x"} {
		_, err := ValidateChannelID(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 1, got["a"])
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, []int{4, 5}, r.Last(2))
	assert.Equal(t, []int{3, 4, 5}, r.Last(10))
	assert.Empty(t, r.Last(0))

	partial := NewRingBuffer[int](4)
	partial.Push(1)
	partial.Push(2)
	assert.Equal(t, []int{2}, partial.Last(1))
	assert.Equal(t, []int{1, 2}, partial.Snapshot())
}

func TestRingBufferConcurrent(t *testing.T) {
	r := NewRingBuffer[string](10)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Push("x")
				_ = r.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, r.Len())
}
