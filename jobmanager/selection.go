package jobmanager

import (
	"sort"

	"icn-core/identity"
)

const selectionEpsilon = 1e-9

// ReputationSource resolves a principal's reputation score for scoring
// purposes.
type ReputationSource interface {
	Score(p identity.Principal) (uint64, error)
}

// LatencySource resolves a principal's observed latency for scoring
// purposes. Unknown peers default to the worst latency observed in the
// current bid set so unproven executors are never favoured over measured
// ones purely by absence of data.
type LatencySource interface {
	LatencyMS(p identity.Principal) (float64, bool)
}

func capacity(res ResourceRequirements) float64 {
	return float64(res.CPU) + float64(res.MemMB) + float64(res.StorageMB)
}

// scoredBid pairs a bid with its computed score for selection and
// tie-breaking.
type scoredBid struct {
	bid   Bid
	score float64
	rep   uint64
}

// SelectExecutor implements the weighted scoring formula over the valid bid set, returning the winning bid.
// Ties are broken deterministically by (price ascending, reputation
// descending, principal lexicographic).
func SelectExecutor(bids []Bid, weights SelectionWeights, reps ReputationSource, lat LatencySource) (Bid, error) {
	if len(bids) == 0 {
		return Bid{}, errNoBids
	}

	maxPrice := uint64(0)
	maxCapacity := 0.0
	maxLatency := 0.0
	type enriched struct {
		bid     Bid
		rep     uint64
		latency float64
	}
	enr := make([]enriched, 0, len(bids))
	var maxRep uint64
	for _, b := range bids {
		if b.PriceCredits > maxPrice {
			maxPrice = b.PriceCredits
		}
		if c := capacity(b.Resources); c > maxCapacity {
			maxCapacity = c
		}
		rep, _ := reps.Score(b.Executor)
		if rep > maxRep {
			maxRep = rep
		}
		latency, ok := lat.LatencyMS(b.Executor)
		if !ok {
			latency = -1 // resolved to the worst observed latency below
		}
		enr = append(enr, enriched{bid: b, rep: rep, latency: latency})
	}
	for i := range enr {
		if enr[i].latency > maxLatency {
			maxLatency = enr[i].latency
		}
	}
	for i := range enr {
		if enr[i].latency < 0 {
			enr[i].latency = maxLatency
		}
	}
	if maxLatency == 0 {
		maxLatency = 1
	}
	if maxPrice == 0 {
		maxPrice = 1
	}
	if maxCapacity == 0 {
		maxCapacity = 1
	}

	scored := make([]scoredBid, 0, len(enr))
	for _, e := range enr {
		priceNorm := float64(e.bid.PriceCredits) / float64(maxPrice)
		repNorm := 0.0
		if maxRep > 0 {
			repNorm = float64(e.rep) / float64(maxRep)
		}
		resNorm := capacity(e.bid.Resources) / maxCapacity
		latNorm := e.latency / maxLatency

		score := weights.Price/maxFloat(priceNorm, selectionEpsilon) +
			weights.Reputation*repNorm +
			weights.Resources*resNorm +
			weights.Latency/maxFloat(latNorm, selectionEpsilon)
		scored = append(scored, scoredBid{bid: e.bid, score: score, rep: e.rep})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].bid.PriceCredits != scored[j].bid.PriceCredits {
			return scored[i].bid.PriceCredits < scored[j].bid.PriceCredits
		}
		if scored[i].rep != scored[j].rep {
			return scored[i].rep > scored[j].rep
		}
		return scored[i].bid.Executor.String() < scored[j].bid.Executor.String()
	})
	return scored[0].bid, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
