package model

import (
	"fmt"
	"math"
	"sort"
)

// topK selects the k highest-probability classes as (label, percent)
// pairs sorted descending. k is clamped to the number of classes and
// confidences are probability x 100 rounded to two decimals.
func topK(probs []float32, labels []string, k int) []TopPrediction {
	if k > len(probs) {
		k = len(probs)
	}
	if k <= 0 {
		return nil
	}
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	out := make([]TopPrediction, 0, k)
	for _, idx := range order[:k] {
		out = append(out, TopPrediction{
			Disease:    labelFor(labels, idx),
			Confidence: math.Round(float64(probs[idx])*10000) / 100,
		})
	}
	return out
}

func labelFor(labels []string, idx int) string {
	if idx < 0 || idx >= len(labels) {
		return fmt.Sprintf("class_%d", idx)
	}
	return labels[idx]
}

func argmax(probs []float32) int {
	if len(probs) == 0 {
		return -1
	}
	best := 0
	for i, v := range probs {
		if v > probs[best] {
			best = i
		}
	}
	return best
}
