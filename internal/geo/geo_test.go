package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-segmetrics/internal/quality"
)

const metersPerDegree = earthRadiusM * math.Pi / 180

var origin = Point{Lon: 4.35, Lat: 50.85}

// along returns a point north of origin by n meters, shifted east by e meters.
func along(n, e float64) Point {
	return Point{
		Lon: origin.Lon + e/(metersPerDegree*math.Cos(origin.Lat*math.Pi/180)),
		Lat: origin.Lat + n/metersPerDegree,
	}
}

func straight(lengthM float64, vertices int) Polyline {
	line := make(Polyline, vertices)
	for i := range line {
		line[i] = along(lengthM*float64(i)/float64(vertices-1), 0)
	}
	return line
}

func TestLengthM(t *testing.T) {
	assert.InDelta(t, 3000, LengthM(straight(3000, 2)), 1e-6)
	assert.InDelta(t, 3000, LengthM(straight(3000, 7)), 1e-6)
	assert.Zero(t, LengthM(nil))
	assert.Zero(t, LengthM(Polyline{origin}))
}

func TestProject(t *testing.T) {
	line := straight(3000, 4)
	tests := []struct {
		name string
		p    Point
		want float64
	}{
		{"start", along(0, 0), 0},
		{"end", along(3000, 0), 1},
		{"third", along(1000, 0), 1.0 / 3},
		{"offset sideways", along(1500, 8), 0.5},
		{"before start clamps", along(-200, 0), 0},
		{"past end clamps", along(3400, 3), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Project(tt.p, line)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestProjectDegenerate(t *testing.T) {
	_, err := Project(origin, Polyline{origin, origin})
	assert.ErrorIs(t, err, quality.ErrDegenerateGeometry)

	_, err = Project(origin, Polyline{origin})
	assert.ErrorIs(t, err, quality.ErrDegenerateGeometry)
}

func TestLocateDistance(t *testing.T) {
	loc, err := Locate(along(500, 6), straight(1000, 2))
	require.NoError(t, err)
	assert.InDelta(t, 6, loc.DistanceM, 0.01)
	assert.InDelta(t, 500, loc.AlongM, 0.01)
	assert.Equal(t, 0, loc.Segment)
}

func TestExtract(t *testing.T) {
	line := straight(3000, 4)

	sub, ok := Extract(line, 0, 1.0/3)
	require.True(t, ok)
	assert.InDelta(t, 1000, LengthM(sub), 1e-3)
	assert.Equal(t, line[0], sub[0])

	sub, ok = Extract(line, 0.1, 0.9)
	require.True(t, ok)
	assert.InDelta(t, 2400, LengthM(sub), 1e-3)
	assert.Len(t, sub, 4)

	sub, ok = Extract(line, 0, 1)
	require.True(t, ok)
	assert.Equal(t, line, sub)
}

func TestExtractReversedYieldsNothing(t *testing.T) {
	sub, ok := Extract(straight(3000, 4), 0.6, 0.4)
	assert.False(t, ok)
	assert.Nil(t, sub)
}

func TestExtractEqualPositions(t *testing.T) {
	sub, ok := Extract(straight(3000, 4), 0.5, 0.5)
	require.True(t, ok)
	assert.Len(t, sub, 1)
	assert.Zero(t, LengthM(sub))
}

func TestExtractDegenerate(t *testing.T) {
	_, ok := Extract(Polyline{origin, origin}, 0, 1)
	assert.False(t, ok)
}

func TestInterpolate(t *testing.T) {
	line := straight(3000, 2)
	mid := Interpolate(line, 0.5)
	assert.InDelta(t, 1500, Distance(line[0], mid), 1e-3)
	assert.Equal(t, line[0], Interpolate(line, -1))
	assert.Equal(t, line[1], Interpolate(line, 2))
	assert.Equal(t, Point{}, Interpolate(nil, 0.5))
}

func TestSegmentDistance(t *testing.T) {
	tt, d := SegmentDistance(along(250, -4), along(0, 0), along(1000, 0))
	assert.InDelta(t, 0.25, tt, 1e-6)
	assert.InDelta(t, 4, d, 0.01)
}

func TestBearing(t *testing.T) {
	assert.InDelta(t, 0, Bearing(along(0, 0), along(100, 0)), 1e-6)
	assert.InDelta(t, 90, Bearing(along(0, 0), along(0, 100)), 0.01)
}
