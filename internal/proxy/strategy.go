package proxy

import (
	"fmt"
	"math/rand"
	"strings"
)

// Strategy decides which eligible proxy serves the next request.
type Strategy string

const (
	RoundRobin      Strategy = "ROUND_ROBIN"
	LeastUsed       Strategy = "LEAST_USED"
	BestSuccessRate Strategy = "BEST_SUCCESS_RATE"
	Random          Strategy = "RANDOM"
)

// ParseStrategy accepts the configured name case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case RoundRobin, LeastUsed, BestSuccessRate, Random:
		return st, nil
	case "":
		return RoundRobin, nil
	}
	return "", fmt.Errorf("unknown proxy selection strategy %q", s)
}

// pickLeastUsed returns the candidate with the fewest recorded requests.
// Candidates are in insertion order, so the first minimum wins ties.
func pickLeastUsed(candidates []*proxyState) *proxyState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.requests() < best.requests() {
			best = c
		}
	}
	return best
}

// pickBestSuccessRate returns the candidate with the highest success rate.
// Untried proxies score 1.0 so they outrank any proxy that has failed at all.
// Ties go to the lowest failure streak, then insertion order.
func pickBestSuccessRate(candidates []*proxyState) *proxyState {
	best := candidates[0]
	bestRate := best.score()
	for _, c := range candidates[1:] {
		rate := c.score()
		switch {
		case rate > bestRate:
		case rate == bestRate && c.consecutive.Load() < best.consecutive.Load():
		default:
			continue
		}
		best, bestRate = c, rate
	}
	return best
}

func pickRandom(candidates []*proxyState, rng *rand.Rand) *proxyState {
	return candidates[rng.Intn(len(candidates))]
}
