package filestat

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	modTime time.Time
}

func (f fakeInfo) Name() string       { return "fake" }
func (f fakeInfo) Size() int64        { return 0 }
func (f fakeInfo) Mode() os.FileMode  { return 0 }
func (f fakeInfo) ModTime() time.Time { return f.modTime }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() interface{}   { return nil }

func TestCache_CachesWithinTTL(t *testing.T) {
	c := New(time.Minute, 10)
	calls := 0
	mt := time.Unix(1000, 0).UTC()
	c.statFn = func(path string) (os.FileInfo, error) {
		calls++
		return fakeInfo{modTime: mt}, nil
	}

	got, err := c.GetModTime("a.csv")
	require.NoError(t, err)
	assert.True(t, got.Equal(mt))

	got, err = c.GetModTime("a.csv")
	require.NoError(t, err)
	assert.True(t, got.Equal(mt))
	assert.Equal(t, 1, calls)
}

func TestCache_RestatsAfterTTL(t *testing.T) {
	c := New(time.Nanosecond, 10)
	calls := 0
	c.statFn = func(path string) (os.FileInfo, error) {
		calls++
		return fakeInfo{modTime: time.Unix(int64(calls), 0).UTC()}, nil
	}

	_, err := c.GetModTime("a.csv")
	require.NoError(t, err)
	time.Sleep(time.Microsecond)
	_, err = c.GetModTime("a.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCache_EvictsLRUOverCapacity(t *testing.T) {
	c := New(time.Minute, 2)
	c.statFn = func(path string) (os.FileInfo, error) {
		return fakeInfo{modTime: time.Unix(1, 0).UTC()}, nil
	}

	_, _ = c.GetModTime("a")
	_, _ = c.GetModTime("b")
	_, _ = c.GetModTime("c")

	assert.Equal(t, 2, c.Len())
	_, ok := c.index["a"]
	assert.False(t, ok, "a should have been evicted as least recently used")
}

func TestCache_StatFailureIsNotFound(t *testing.T) {
	c := New(time.Minute, 10)
	c.statFn = func(path string) (os.FileInfo, error) {
		return nil, os.ErrNotExist
	}
	_, err := c.GetModTime("missing.csv")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}
