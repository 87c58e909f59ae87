package quality

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{ErrDegenerateGeometry, ReasonDegenerateGeometry},
		{ErrEmptyTripGeometry, ReasonEmptyTripGeometry},
		{fmt.Errorf("trip t1: %w", ErrDegenerateGeometry), ReasonDegenerateGeometry},
		{ErrInsufficientTrajectoryPoints, ReasonInsufficientPoints},
		{ErrNoNearbyStops, ReasonNoNearbyStops},
		{ErrMissingReferenceData, ReasonMissingReference},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonFor(tt.err), tt.err.Error())
	}
}

func TestTallyConcurrentAdd(t *testing.T) {
	var tally Tally
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tally.Inc(ReasonNoNearbyStops)
			tally.Add(ReasonShortSegment, 2)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, tally.Count(ReasonNoNearbyStops))
	assert.Equal(t, 100, tally.Count(ReasonShortSegment))
	assert.Equal(t, 150, tally.Total())
}

func TestTallyMerge(t *testing.T) {
	var a, b Tally
	a.Inc(ReasonBadSpeed)
	b.Add(ReasonBadSpeed, 2)
	b.Inc(ReasonBadHeadway)
	b.Add(ReasonSelfHeadway, 0)

	a.Merge(&b)
	a.Merge(&a)
	a.Merge(nil)

	require.Equal(t, []Reason{ReasonBadHeadway, ReasonBadSpeed}, a.Reasons())
	assert.Equal(t, 3, a.Count(ReasonBadSpeed))
	assert.Equal(t, 1, a.Count(ReasonBadHeadway))
}
