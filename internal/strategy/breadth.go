package strategy

import "sort"

// BreadthRecord summarises one candidate's scores against its defined peers.
type BreadthRecord struct {
	Coin      string
	Breadth   int     // peers with score >= threshold and > 0
	Peers     int     // peers with a defined score
	Negative  int     // peers with score < 0
	Mean      float64 // mean score over defined peers
	Threshold float64
	Warm      bool // threshold available
}

// CountBreadth scores a candidate against every peer in scores. Peers missing from
// the map are absent for this tick and count neither way.
func CountBreadth(coin string, scores map[string]float64, threshold float64, warm bool) BreadthRecord {
	rec := BreadthRecord{Coin: coin, Threshold: threshold, Warm: warm}
	peers := make([]string, 0, len(scores))
	for peer := range scores {
		if peer != coin {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)

	var sum float64
	for _, peer := range peers {
		s := scores[peer]
		rec.Peers++
		sum += s
		if s < 0 {
			rec.Negative++
		}
		if warm && s > 0 && s >= threshold {
			rec.Breadth++
		}
	}
	if rec.Peers > 0 {
		rec.Mean = sum / float64(rec.Peers)
	}
	return rec
}

// Collapsing reports whether strictly more than majority of the defined peers score
// negative. With no defined peers nothing can be said.
func (b BreadthRecord) Collapsing(majority float64) bool {
	if b.Peers == 0 {
		return false
	}
	return float64(b.Negative)/float64(b.Peers) > majority
}
