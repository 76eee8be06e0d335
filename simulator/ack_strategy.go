package main

import (
	"math/rand"
	"sync"
	"time"

	"github.com/kilianp07/ridedispatch/core/messages"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// Decision is how a puller answers an offer.
type Decision int

const (
	// DecisionIgnore lets the offer lapse without an answer.
	DecisionIgnore Decision = iota
	DecisionAccept
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionReject:
		return "reject"
	default:
		return "ignore"
	}
}

// OfferStrategy defines how a puller answers offers.
type OfferStrategy interface {
	Decide(offer messages.Offer) Decision
}

// AutoAccept accepts every offer.
type AutoAccept struct{}

// Decide implements OfferStrategy.
func (AutoAccept) Decide(messages.Offer) Decision { return DecisionAccept }

// RandomStrategy ignores offers with probability DropRate, rejects them
// with probability RejectRate and accepts otherwise.
type RandomStrategy struct {
	RejectRate float64
	DropRate   float64
}

// Decide implements OfferStrategy.
func (r RandomStrategy) Decide(messages.Offer) Decision {
	x := randFloat()
	switch {
	case x < r.DropRate:
		return DecisionIgnore
	case x < r.DropRate+r.RejectRate:
		return DecisionReject
	default:
		return DecisionAccept
	}
}
