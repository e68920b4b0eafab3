// Package ranking orders competing driver offers for a request.
package ranking

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"dispatchd/internal/domain"
)

// DriverStats is the reputation data the ranker weighs next to price.
type DriverStats struct {
	Rating        float64
	CompletedJobs int
}

// Weights of each score component. They should sum to 1.
type Weights struct {
	Price          float64
	Rating         float64
	Responsiveness float64
	Experience     float64
}

// DefaultWeights favour price, then reputation, then speed of reply.
var DefaultWeights = Weights{Price: 0.4, Rating: 0.3, Responsiveness: 0.2, Experience: 0.1}

const (
	maxRating         = 5.0
	experienceCeiling = 1000.0
)

// Scored is a bid together with its normalised score components.
type Scored struct {
	Bid            domain.Bid
	Score          float64
	Price          float64
	Rating         float64
	Responsiveness float64
	Experience     float64
}

// Ranker scores offers. The zero value is not usable; use New.
type Ranker struct {
	weights Weights
}

// New creates a Ranker with the default weights.
func New() *Ranker {
	return &Ranker{weights: DefaultWeights}
}

// NewWithWeights creates a Ranker with custom weights.
func NewWithWeights(w Weights) *Ranker {
	return &Ranker{weights: w}
}

// Rank returns bids ordered best first. The order is fully deterministic
// for a given input: ties go to the lower price, then the earlier bid.
func (r *Ranker) Rank(bids []domain.Bid, stats map[string]DriverStats, openedAt time.Time) []domain.Bid {
	scored := r.Score(bids, stats, openedAt)
	out := make([]domain.Bid, len(scored))
	for i, s := range scored {
		out[i] = s.Bid
	}
	return out
}

// Score computes and sorts the score of every bid.
func (r *Ranker) Score(bids []domain.Bid, stats map[string]DriverStats, openedAt time.Time) []Scored {
	if len(bids) == 0 {
		return nil
	}

	prices := make([]float64, len(bids))
	for i, b := range bids {
		prices[i] = float64(b.OfferedPrice)
	}
	cheapest := floats.Min(prices)

	scored := make([]Scored, len(bids))
	for i, b := range bids {
		st := stats[b.DriverID]

		s := Scored{
			Bid:            b,
			Price:          cheapest / prices[i],
			Rating:         clamp01(st.Rating / maxRating),
			Responsiveness: 1 / (responseSeconds(openedAt, b.SubmittedAt) + 1),
			Experience:     clamp01(float64(st.CompletedJobs) / experienceCeiling),
		}
		s.Score = floats.Dot(
			[]float64{r.weights.Price, r.weights.Rating, r.weights.Responsiveness, r.weights.Experience},
			[]float64{s.Price, s.Rating, s.Responsiveness, s.Experience},
		)
		scored[i] = s
	}

	sort.Sort(byScore(scored))
	return scored
}

func responseSeconds(openedAt, submittedAt time.Time) float64 {
	d := submittedAt.Sub(openedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

type byScore []Scored

func (s byScore) Len() int      { return len(s) }
func (s byScore) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byScore) Less(i, j int) bool {
	a, b := s[i], s[j]
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Bid.OfferedPrice != b.Bid.OfferedPrice {
		return a.Bid.OfferedPrice < b.Bid.OfferedPrice
	}
	if !a.Bid.SubmittedAt.Equal(b.Bid.SubmittedAt) {
		return a.Bid.SubmittedAt.Before(b.Bid.SubmittedAt)
	}
	return a.Bid.ID < b.Bid.ID
}
