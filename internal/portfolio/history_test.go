package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotHistory_BoundedAndOrdered(t *testing.T) {
	h := NewSnapshotHistory(3)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		h.Push(Snapshot{Timestamp: base.Add(time.Duration(i) * time.Minute), Cash: float64(i)})
	}
	assert.Equal(t, 3, h.Len())
	all := h.ToSlice()
	require := assert.New(t)
	require.Len(all, 3)
	// Oldest retained should be index 2 (0,1 evicted), newest is index 4.
	require.Equal(2.0, all[0].Cash)
	require.Equal(4.0, all[2].Cash)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].Timestamp.After(all[i-1].Timestamp))
	}
}

func TestSnapshotHistory_LastEmpty(t *testing.T) {
	h := NewSnapshotHistory(2)
	_, ok := h.Last()
	assert.False(t, ok)
}
