package dedup

import "ArenaIngest/internal/fingerprint"

// bandSplits cuts 64 bits into count contiguous bands of near-equal width.
func bandSplits(count int) [][2]uint {
	splits := make([][2]uint, 0, count)
	start := uint(0)
	for b := 0; b < count; b++ {
		width := uint(64 / count)
		if b < 64%count {
			width++
		}
		splits = append(splits, [2]uint{start, width})
		start += width
	}
	return splits
}

type bandKey struct {
	band  int
	value uint64
}

// nearPassBanded finds every pair within threshold without comparing all pairs. Two fingerprints
// that differ in at most threshold bits agree exactly on at least one of threshold+1 bands, so
// only records sharing a band value are compared.
func nearPassBanded(uf *unionFind, fps []uint64, idx []int, threshold int) int {
	splits := bandSplits(threshold + 1)
	buckets := make(map[bandKey][]int, len(idx)*len(splits))
	comparisons := 0

	for pos, i := range idx {
		fp := fps[pos]
		for b, split := range splits {
			mask := uint64(1)<<split[1] - 1
			if split[1] == 64 {
				mask = ^uint64(0)
			}
			key := bandKey{band: b, value: (fp >> split[0]) & mask}
			for _, otherPos := range buckets[key] {
				j := idx[otherPos]
				if uf.find(i) == uf.find(j) {
					continue
				}
				comparisons++
				if fingerprint.Hamming(fp, fps[otherPos]) <= threshold {
					uf.union(i, j)
				}
			}
			buckets[key] = append(buckets[key], pos)
		}
	}
	return comparisons
}

// nearPassPairwise compares every pair not already clustered.
func nearPassPairwise(uf *unionFind, fps []uint64, idx []int, threshold int) int {
	comparisons := 0
	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx); b++ {
			if uf.find(idx[a]) == uf.find(idx[b]) {
				continue
			}
			comparisons++
			if fingerprint.Hamming(fps[a], fps[b]) <= threshold {
				uf.union(idx[a], idx[b])
			}
		}
	}
	return comparisons
}
