package memtracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_WouldExceed(t *testing.T) {
	tr := New(1000)
	assert.False(t, tr.WouldExceed(900))
	tr.RecordInsert(900)
	assert.True(t, tr.WouldExceed(200))
	assert.False(t, tr.WouldExceed(100))
}

func TestTracker_RecordEvictNeverNegative(t *testing.T) {
	tr := New(1000)
	tr.RecordInsert(100)
	tr.RecordEvict(500)
	assert.Equal(t, int64(0), tr.Usage())
}

func TestTracker_UsageTracksInsertsAndEvicts(t *testing.T) {
	tr := New(1000)
	tr.RecordInsert(300)
	tr.RecordInsert(200)
	assert.Equal(t, int64(500), tr.Usage())
	tr.RecordEvict(200)
	assert.Equal(t, int64(300), tr.Usage())
}

func TestNewWithDefaultCeiling_PositiveCeiling(t *testing.T) {
	tr := NewWithDefaultCeiling()
	assert.Greater(t, tr.Ceiling(), int64(0))
}
