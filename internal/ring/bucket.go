package ring

import "github.com/ehrlich-b/go-hpsa/internal/constants"

// NumBuckets is the size of the block-fetch table
const NumBuckets = 8

// BlockFetchTable returns the fetch sizes, in 16-byte blocks, of each
// bucket. The last bucket fits a command with every inline descriptor.
func BlockFetchTable(maxInline int) []int {
	return []int{5, 6, 8, 10, 12, 20, 28, maxInline + constants.MinBlockFetch}
}

// CalcBucketMap maps each inline SG count 0..nsgs to the smallest bucket
// that holds a command of that size. Counts no bucket holds map to
// len(bft).
func CalcBucketMap(bft []int, nsgs, minBlocks int) []int {
	m := make([]int, nsgs+1)
	for i := range m {
		size := i + minBlocks
		b := len(bft)
		for j, blocks := range bft {
			if blocks >= size {
				b = j
				break
			}
		}
		m[i] = b
	}
	return m
}
