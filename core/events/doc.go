// Package events defines the dispatch related events emitted on the event bus.
// Every event implements Event so a single TypedBus[Event] carries them all.
//
// Available event types:
//   - RideEvent: a ride changed state
//   - OfferEvent: a batch of offers went out for a ride
//   - SettlementEvent: points were credited or debited
package events
