package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUniqueAndSorted(t *testing.T) {
	prev := ""
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		require.Len(t, id, 26)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New()

	ts, ok := Time(id)
	require.True(t, ok)
	assert.True(t, ts.After(before))

	_, ok = Time("not-a-ulid")
	assert.False(t, ok)
}
