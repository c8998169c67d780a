package discovery

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// kMeans partitions vectors into k clusters and returns the assignment index
// for each vector. k is clamped to len(vectors). The rng makes runs
// reproducible: a fixed seed yields a fixed partition for fixed input.
func kMeans(vectors [][]float64, k, maxIter int, rng *rand.Rand) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	if k > n {
		k = n
	}
	if k < 1 {
		k = 1
	}

	dim := len(vectors[0])

	// Seed centroids from k distinct input vectors.
	centroids := make([][]float64, k)
	for i, idx := range rng.Perm(n)[:k] {
		centroids[i] = append([]float64(nil), vectors[idx]...)
	}

	assign := make([]int, n)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, floats.Distance(v, centroids[0], 2)
			for c := 1; c < k; c++ {
				if d := floats.Distance(v, centroids[c], 2); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		// Recompute centroids as member means. Empty clusters keep their
		// previous centroid.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			floats.Add(sums[assign[i]], v)
			counts[assign[i]]++
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			centroids[c] = sums[c]
		}
	}
	return assign
}

// clusterCount picks k for n markets: at least 5 clusters, growing one per
// ten markets.
func clusterCount(n int) int {
	k := n / 10
	if k < 5 {
		k = 5
	}
	return k
}
