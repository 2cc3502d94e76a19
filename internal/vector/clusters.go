package vector

import (
	"math"
	"math/rand"
	"sort"
)

const kmeansIterations = 8

// buildClusters runs a few rounds of k-means over the snapshot and returns
// the finished inverted-file structure. Centroid count scales with the
// square root of the corpus so probe cost stays roughly balanced against
// per-cluster scan cost.
func buildClusters(entries []*entry, dimension int) *clusters {
	k := int(math.Sqrt(float64(len(entries))))
	if k < 1 {
		k = 1
	}
	if k > len(entries) {
		k = len(entries)
	}

	// Deterministic seed keeps rebuilds reproducible for the same corpus.
	rng := rand.New(rand.NewSource(int64(len(entries))))
	perm := rng.Perm(len(entries))
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), entries[perm[i]].vector...)
	}

	assignments := make([]int, len(entries))
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, e := range entries {
			best := nearestCentroid(centroids, e.vector)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dimension)
		}
		for i, e := range entries {
			c := assignments[i]
			counts[c]++
			for d, v := range e.vector {
				sums[c][d] += float64(v)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Empty cluster: reseed from a random entry.
				centroids[c] = append([]float32(nil), entries[rng.Intn(len(entries))].vector...)
				continue
			}
			var norm float64
			for d := range centroids[c] {
				m := sums[c][d] / float64(counts[c])
				centroids[c][d] = float32(m)
				norm += m * m
			}
			if norm > 0 {
				inv := float32(1 / math.Sqrt(norm))
				for d := range centroids[c] {
					centroids[c][d] *= inv
				}
			}
		}
	}

	// Final assignment pass against the finished centroids, so membership
	// agrees with what probe will compute for an identical query.
	for i, e := range entries {
		assignments[i] = nearestCentroid(centroids, e.vector)
	}

	cl := &clusters{
		centroids: centroids,
		members:   make([][]string, k),
		assigned:  make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		c := assignments[i]
		cl.members[c] = append(cl.members[c], e.messageID)
		cl.assigned[e.messageID] = c
	}
	return cl
}

// assign adds an entry to its nearest cluster without rebuilding.
func (cl *clusters) assign(e *entry) {
	c := nearestCentroid(cl.centroids, e.vector)
	cl.members[c] = append(cl.members[c], e.messageID)
	cl.assigned[e.messageID] = c
}

func (cl *clusters) remove(messageID string) {
	c, ok := cl.assigned[messageID]
	if !ok {
		return
	}
	delete(cl.assigned, messageID)
	list := cl.members[c]
	for i, id := range list {
		if id == messageID {
			list[i] = list[len(list)-1]
			cl.members[c] = list[:len(list)-1]
			return
		}
	}
}

// probe collects the entries in the nprobe clusters nearest the query.
func (cl *clusters) probe(byID map[string]*entry, query []float32, nprobe int) []*entry {
	if nprobe > len(cl.centroids) {
		nprobe = len(cl.centroids)
	}

	type ranked struct {
		cluster    int
		similarity float64
	}
	order := make([]ranked, len(cl.centroids))
	for c, centroid := range cl.centroids {
		order[c] = ranked{cluster: c, similarity: dot(query, centroid)}
	}
	sort.Slice(order, func(a, b int) bool {
		return order[a].similarity > order[b].similarity
	})

	var out []*entry
	for _, r := range order[:nprobe] {
		for _, id := range cl.members[r.cluster] {
			if e, ok := byID[id]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

func nearestCentroid(centroids [][]float32, vec []float32) int {
	best := 0
	bestSim := math.Inf(-1)
	for c, centroid := range centroids {
		if sim := dot(vec, centroid); sim > bestSim {
			best = c
			bestSim = sim
		}
	}
	return best
}
