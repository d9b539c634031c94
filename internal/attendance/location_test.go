package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(i int) LocationPoint {
	return LocationPoint{
		Latitude:  float64(i) / 1000,
		Longitude: 120,
		Timestamp: time.Unix(int64(i), 0).UTC(),
	}
}

func TestLocationHistoryKeepsNewestPoints(t *testing.T) {
	h := NewLocationHistory(0)
	for i := 0; i < 150; i++ {
		h.Append(point(i))
	}

	pts := h.Points()
	require.Len(t, pts, DefaultHistoryCapacity)
	assert.Equal(t, point(50), pts[0])
	assert.Equal(t, point(149), pts[len(pts)-1])
	for i := 1; i < len(pts); i++ {
		assert.True(t, pts[i].Timestamp.After(pts[i-1].Timestamp), "points out of order at %d", i)
	}

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, point(149), last)
}

func TestLocationHistoryPartiallyFilled(t *testing.T) {
	h := NewLocationHistory(5)
	_, ok := h.Last()
	assert.False(t, ok)

	h.Append(point(1))
	h.Append(point(2))
	assert.Equal(t, []LocationPoint{point(1), point(2)}, h.Points())
	assert.Equal(t, 2, h.Len())
}

func TestLocationHistoryReset(t *testing.T) {
	h := NewLocationHistory(3)
	for i := 0; i < 7; i++ {
		h.Append(point(i))
	}
	h.Reset()
	assert.Empty(t, h.Points())
	assert.Equal(t, 0, h.Len())

	h.Append(point(9))
	assert.Equal(t, []LocationPoint{point(9)}, h.Points())
}
