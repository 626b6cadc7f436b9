package dataset

import "math/rand"

// EpochOrder returns the corpus order for an epoch. Every process computes the
// same order from the same seed.
func EpochOrder(examples []Example, seed int64, epoch int) []Example {
	out := append([]Example(nil), examples...)
	rng := rand.New(rand.NewSource(seed + int64(epoch)))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Shard keeps every worldSize-th example starting at rank.
func Shard(examples []Example, rank, worldSize int) []Example {
	if worldSize <= 1 {
		return examples
	}
	out := make([]Example, 0, len(examples)/worldSize+1)
	for i, ex := range examples {
		if i%worldSize == rank {
			out = append(out, ex)
		}
	}
	return out
}

// Batches splits examples into consecutive batches of size n. The last batch
// may be short.
func Batches(examples []Example, n int) [][]Example {
	if n <= 0 {
		n = 1
	}
	var out [][]Example
	for start := 0; start < len(examples); start += n {
		end := min(start+n, len(examples))
		out = append(out, examples[start:end])
	}
	return out
}

// StepsPerEpoch is the number of batches each process runs per epoch. Ranks
// with fewer examples still run the same number of steps as rank 0.
func StepsPerEpoch(corpusSize, worldSize, batchSize int) int {
	if worldSize <= 0 {
		worldSize = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	perRank := (corpusSize + worldSize - 1) / worldSize
	return (perRank + batchSize - 1) / batchSize
}
