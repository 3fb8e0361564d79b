package memutil_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/gfxmem/suballoc/memutil"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutil.AlignUp(0, 16))
	require.Equal(t, 16, memutil.AlignUp(1, 16))
	require.Equal(t, 16, memutil.AlignUp(16, 16))
	require.Equal(t, 32, memutil.AlignUp(17, 16))
	require.Equal(t, 7, memutil.AlignUp(7, 1))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutil.AlignDown(15, 16))
	require.Equal(t, 16, memutil.AlignDown(16, 16))
	require.Equal(t, 16, memutil.AlignDown(31, 16))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutil.CheckPow2(uint(256), "alignment"))
	require.NoError(t, memutil.CheckPow2(uint(1), "alignment"))

	err := memutil.CheckPow2(uint(48), "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, memutil.PowerOfTwoError))
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutil.DetailedStatistics
	stats.Clear()

	stats.AddRegion(100)
	stats.AddRegion(50)
	stats.AddUnusedRange(850)

	require.Equal(t, 2, stats.RegionCount)
	require.Equal(t, 150, stats.RegionBytes)
	require.Equal(t, 50, stats.RegionSizeMin)
	require.Equal(t, 100, stats.RegionSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 850, stats.UnusedRangeSizeMin)

	var sum memutil.DetailedStatistics
	sum.Clear()
	sum.AddDetailedStatistics(&stats)
	require.Equal(t, stats, sum)
}
