package planner

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func TestSplitRanges_Partition(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		size := rnd.Int63n(64 * 1024)
		partSize := rnd.Int63n(4096) + 1

		ranges := SplitRanges(size, partSize)
		require.NotEmpty(t, ranges)

		var next int64
		for _, r := range ranges {
			require.Equal(t, next, r.Start, "gap or overlap at %d (size=%d part=%d)", r.Start, size, partSize)
			require.LessOrEqual(t, r.Len(), partSize)
			next = r.End
		}
		require.Equal(t, size, next)

		if size == 0 {
			require.Len(t, ranges, 1)
			continue
		}

		last := ranges[len(ranges)-1].Len()
		if size%partSize == 0 {
			assert.Equal(t, partSize, last)
		} else {
			assert.Equal(t, size%partSize, last)
		}
	}
}

func TestSplitRanges(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		partSize int64
		want     []Range
	}{
		{
			name:     "empty object",
			size:     0,
			partSize: 5,
			want:     []Range{{0, 0}},
		},
		{
			name:     "evenly divisible",
			size:     10,
			partSize: 5,
			want:     []Range{{0, 5}, {5, 10}},
		},
		{
			name:     "trailing part",
			size:     11,
			partSize: 5,
			want:     []Range{{0, 5}, {5, 10}, {10, 11}},
		},
		{
			name:     "smaller than part",
			size:     3,
			partSize: 5,
			want:     []Range{{0, 3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitRanges(tt.size, tt.partSize))
		})
	}
}

func TestPlanGet_TwelveMiBWithFiveMiBParts(t *testing.T) {
	discovery := DiscoveryPart(5 * mib)
	assert.Equal(t, Range{0, 5 * mib}, discovery.Range)
	assert.Equal(t, KindRangedGet, discovery.Kind)

	rest := PlanGetRemainder(12*mib, 5*mib)
	require.Len(t, rest, 2)
	assert.Equal(t, 1, rest[0].Index)
	assert.Equal(t, Range{5 * mib, 10 * mib}, rest[0].Range)
	assert.Equal(t, 2, rest[1].Index)
	assert.Equal(t, Range{10 * mib, 12 * mib}, rest[1].Range)
}

func TestPlanGetRemainder_CoveredByDiscovery(t *testing.T) {
	assert.Nil(t, PlanGetRemainder(5*mib, 5*mib))
	assert.Nil(t, PlanGetRemainder(0, 5*mib))
}

func TestPlanPut(t *testing.T) {
	tests := []struct {
		name          string
		size          int64
		wantMultipart bool
		wantStreaming bool
		wantParts     int
	}{
		{name: "zero bytes", size: 0, wantParts: 1},
		{name: "exactly one part", size: 5 * mib, wantParts: 1},
		{name: "two parts", size: 5*mib + 1, wantMultipart: true, wantParts: 2},
		{name: "evenly divisible", size: 15 * mib, wantMultipart: true, wantParts: 3},
		{name: "unknown size", size: -1, wantStreaming: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PlanPut(tt.size, 5*mib)
			assert.Equal(t, tt.wantMultipart, plan.Multipart)
			assert.Equal(t, tt.wantStreaming, plan.Streaming)
			assert.Len(t, plan.Parts, tt.wantParts)
			for i, p := range plan.Parts {
				assert.Equal(t, i, p.Index)
				assert.Equal(t, StatePending, p.State)
			}
		})
	}
}

func TestPlanPut_ZeroByteIsSingleEmptyPart(t *testing.T) {
	plan := PlanPut(0, 5*mib)

	require.Len(t, plan.Parts, 1)
	assert.Equal(t, KindSingle, plan.Parts[0].Kind)
	assert.Equal(t, int64(0), plan.Parts[0].Range.Len())
	assert.False(t, plan.Multipart)
}

func TestPlanDefault(t *testing.T) {
	plan := PlanDefault()

	require.Len(t, plan.Parts, 1)
	assert.Equal(t, KindSingle, plan.Parts[0].Kind)
}

func TestNextStreamingPart(t *testing.T) {
	p := NextStreamingPart(3, 15, 5)

	assert.Equal(t, 4, p.Number())
	assert.Equal(t, Range{15, 20}, p.Range)
	assert.Equal(t, KindUploadPart, p.Kind)
}

func TestRange_HeaderValue(t *testing.T) {
	assert.Equal(t, "bytes=0-4", Range{0, 5}.HeaderValue())
	assert.Equal(t, "bytes=10-11", Range{10, 12}.HeaderValue())
}
