package blockgen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ptrsweep/ptrsweep/pkg/ipaddr"
)

func ip(t *testing.T, s string) uint64 {
	t.Helper()
	v, err := ipaddr.ToInt(s)
	require.NoError(t, err)
	return uint64(v)
}

func drain(t *testing.T, start, end, blockSize uint64) []Block {
	t.Helper()
	var blocks []Block
	for b := range Generate(start, end, blockSize) {
		blocks = append(blocks, b)
	}
	return blocks
}

// TestGenerateStraddlesPrivateRange mirrors spec scenario 1: a range that
// starts just below 10.0.0.0/8 and ends just inside 11.0.0.0/8.
func TestGenerateStraddlesPrivateRange(t *testing.T) {
	start := ip(t, "9.255.255.0")
	end := ip(t, "11.0.1.0")

	blocks := drain(t, start, end, 256)

	tenStart := ip(t, "10.0.0.0")
	elevenStart := ip(t, "11.0.0.0")

	require.NotEmpty(t, blocks)
	require.Equal(t, start, blocks[0].From)
	require.Equal(t, tenStart, blocks[0].To)

	for _, b := range blocks {
		require.False(t, b.From >= tenStart && b.From < elevenStart,
			"block %v overlaps 10.0.0.0/8", b)
	}

	last := blocks[len(blocks)-1]
	require.Equal(t, end, last.To)
	require.Equal(t, elevenStart, blocks[len(blocks)-1].From)

	// Exactly one 256-address block covers 11.0.0.0 - 11.0.1.0.
	var elevenBlocks int
	for _, b := range blocks {
		if b.From >= elevenStart {
			elevenBlocks++
			require.Equal(t, uint64(256), b.To-b.From)
		}
	}
	require.Equal(t, 1, elevenBlocks)
}

func TestGenerateInvariants(t *testing.T) {
	start := ip(t, "9.0.0.0")
	end := ip(t, "200.0.0.0")

	blocks := drain(t, start, end, 4096)

	var covered uint64
	for _, b := range blocks {
		require.Less(t, b.From, b.To)
		require.LessOrEqual(t, b.To-b.From, uint64(4096))
		for _, pr := range privateRanges {
			overlap := b.From < pr.end && b.To > pr.start
			require.False(t, overlap, "block %v overlaps private range %v", b, pr)
		}
		covered += b.To - b.From
	}

	var privateTotal uint64
	for _, pr := range privateRanges {
		lo, hi := pr.start, pr.end
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		if hi > lo {
			privateTotal += hi - lo
		}
	}

	require.Equal(t, (end-start)-privateTotal, covered)
}

func TestSplitStrideFullyPrivate(t *testing.T) {
	tenStart := ip(t, "10.0.0.5")
	blocks := splitStride(tenStart, tenStart+100)
	require.Nil(t, blocks)
}

func TestSplitStrideLowEdge(t *testing.T) {
	tenStart := ip(t, "10.0.0.0")
	from := tenStart - 50
	blocks := splitStride(from, tenStart+50)
	require.Len(t, blocks, 1)
	require.Equal(t, from, blocks[0].From)
	require.Equal(t, tenStart, blocks[0].To)
}

func TestSplitStrideHighEdge(t *testing.T) {
	tenEnd := ip(t, "11.0.0.0") // exclusive end of 10.0.0.0/8
	from := tenEnd - 50
	blocks := splitStride(from, tenEnd+50)
	require.Len(t, blocks, 1)
	require.Equal(t, tenEnd, blocks[0].From)
	require.Equal(t, tenEnd+50, blocks[0].To)
}
