package resource

import (
	"sort"

	"github.com/kiranshivaraju/gpubatch/pkg/models"
)

const (
	costWeight         = 0.4
	availabilityWeight = 0.4
	fitWeight          = 0.2
)

// ScoredOffer is an offer with its allocation score. Higher is better.
type ScoredOffer struct {
	Offer models.GpuOffer
	Score float64
}

// RankOffers scores the available offers and returns them best first. The cost
// term is relative to the cheapest candidate; availability is the provider's
// reliability when reported; fit prefers the smallest gpu count that still
// meets the requirement.
func RankOffers(offers []models.GpuOffer, req models.ResourceRequirements) []ScoredOffer {
	var cheapest float64
	candidates := make([]models.GpuOffer, 0, len(offers))
	for _, o := range offers {
		if !o.Available {
			continue
		}
		if len(candidates) == 0 || o.CostPerHour < cheapest {
			cheapest = o.CostPerHour
		}
		candidates = append(candidates, o)
	}

	out := make([]ScoredOffer, 0, len(candidates))
	for _, o := range candidates {
		out = append(out, ScoredOffer{
			Offer: o,
			Score: costWeight*costScore(o.CostPerHour, cheapest) +
				availabilityWeight*availabilityScore(o) +
				fitWeight*fitScore(o.GPUCount, req.MinGPUCount),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func costScore(cost, cheapest float64) float64 {
	if cost <= 0 {
		return 1
	}
	return cheapest / cost
}

func availabilityScore(o models.GpuOffer) float64 {
	if o.Reliability == nil {
		return 1
	}
	r := *o.Reliability
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

func fitScore(have, want int) float64 {
	if want < 1 {
		want = 1
	}
	if have < want {
		return 0
	}
	return float64(want) / float64(have)
}

// InstancesNeeded is ceil(files / batchSize) capped by maxConcurrent, at least one.
func InstancesNeeded(req models.ResourceRequirements) int {
	batch := req.BatchSize
	if batch < 1 {
		batch = 1
	}
	n := (req.FileCount + batch - 1) / batch
	if req.MaxConcurrentJobs > 0 && n > req.MaxConcurrentJobs {
		n = req.MaxConcurrentJobs
	}
	if n < 1 {
		n = 1
	}
	return n
}
