package ohlcv

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeAt(unixSec int64) time.Time {
	return time.Unix(unixSec, 0).UTC()
}

func TestParseCSV_ValidRows(t *testing.T) {
	data := ExpectedHeader + "\n" +
		"1700000000000,100,105,99,102,10\n" +
		"1700000060000,102,103,101,101.5,5\n"
	bars, err := ParseCSV("day.csv", strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp))
}

func TestParseCSV_EmptyFileIsValid(t *testing.T) {
	bars, err := ParseCSV("empty.csv", strings.NewReader(ExpectedHeader+"\n"))
	require.NoError(t, err)
	assert.Len(t, bars, 0)
}

func TestParseCSV_HeaderOnlyNoNewline(t *testing.T) {
	bars, err := ParseCSV("empty.csv", strings.NewReader(ExpectedHeader))
	require.NoError(t, err)
	assert.Len(t, bars, 0)
}

func TestParseCSV_BadHeaderIsStructureError(t *testing.T) {
	_, err := ParseCSV("bad.csv", strings.NewReader("open,high,low,close,volume,timestamp\n"))
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrKindStructure, fe.Kind)
}

func TestParseCSV_MalformedNumberIsParseError(t *testing.T) {
	data := ExpectedHeader + "\n1700000000000,abc,105,99,102,10\n"
	_, err := ParseCSV("bad.csv", strings.NewReader(data))
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrKindParse, fe.Kind)
}

func TestParseCSV_InvariantViolationIsStructureError(t *testing.T) {
	data := ExpectedHeader + "\n1700000000000,100,90,99,102,10\n" // high < open
	_, err := ParseCSV("bad.csv", strings.NewReader(data))
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrKindStructure, fe.Kind)
}

func TestParseCSV_DuplicateTimestampLastWins(t *testing.T) {
	data := ExpectedHeader + "\n" +
		"1700000000000,100,105,99,102,10\n" +
		"1700000000000,100,105,99,200,10\n"
	bars, err := ParseCSV("dup.csv", strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 200.0, bars[0].Close)
}

func TestBar_Validate(t *testing.T) {
	valid := Bar{Open: 100, High: 105, Low: 95, Close: 102, Volume: 1}
	assert.NoError(t, valid.Validate())

	negative := valid
	negative.Volume = -1
	assert.Error(t, negative.Validate())

	lowAboveHigh := valid
	lowAboveHigh.Low = 200
	assert.Error(t, lowAboveHigh.Validate())
}

func TestNewCacheKey_DistinctOnMTime(t *testing.T) {
	a := NewCacheKey("x.csv", timeAt(1000))
	b := NewCacheKey("x.csv", timeAt(2000))
	assert.NotEqual(t, a, b)
}
