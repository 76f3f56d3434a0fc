package loadgen

import (
	"math"
	"math/rand/v2"

	. "localtrader/internal/common"

	"github.com/shopspring/decimal"
)

const (
	walkPriceMean = 100
	walkPriceSD   = 2
	walkDrift     = 0.1
	walkMaxSize   = 25

	scalpBid     = 99.00
	scalpOffer   = 101.00
	scalpPriceSD = 0.25
	scalpSizeSD  = 2
	scalpSize    = 5
)

// Generator produces the orders of one simulated trader.
type Generator interface {
	Generate(instrument string, client ClientID) (*Order, error)
}

// RandomWalk quotes both sides around a mean price that drifts randomly
// after every order.
type RandomWalk struct {
	rng  *rand.Rand
	mean float64
}

func NewRandomWalk(seed uint64) *RandomWalk {
	return &RandomWalk{
		rng:  newRand(seed),
		mean: walkPriceMean,
	}
}

func (g *RandomWalk) Generate(instrument string, client ClientID) (*Order, error) {
	price := normal(g.rng, g.mean, walkPriceSD)
	g.mean += (g.rng.Float64() - 0.5) * walkDrift

	size := max(1, int64(walkMaxSize*g.rng.Float64()))

	side := Sell
	if g.rng.Float64() > 0.5 {
		side = Buy
	}
	return NewOrder(instrument, toPrice(price, 2), size, side, client)
}

// Mean is the current centre of the walk.
func (g *RandomWalk) Mean() float64 {
	return g.mean
}

// Scalper bids just under and offers just over a fixed spread, so its
// orders rarely cross each other.
type Scalper struct {
	rng *rand.Rand
}

func NewScalper(seed uint64) *Scalper {
	return &Scalper{rng: newRand(seed)}
}

func (g *Scalper) Generate(instrument string, client ClientID) (*Order, error) {
	size := max(1, int64(normal(g.rng, scalpSize, scalpSizeSD)))

	if g.rng.Float64() > 0.5 {
		return NewOrder(instrument, toPrice(normal(g.rng, scalpBid, scalpPriceSD), 4), size, Buy, client)
	}
	return NewOrder(instrument, toPrice(normal(g.rng, scalpOffer, scalpPriceSD), 4), size, Sell, client)
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func normal(rng *rand.Rand, mean, sd float64) float64 {
	return mean + sd*rng.NormFloat64()
}

// toPrice rounds to the given number of places, floored at zero.
func toPrice(value float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(math.Max(value, 0)).Round(places)
}
