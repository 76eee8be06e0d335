// Package messages defines the wire schema exchanged with pullers and
// hardware.
//
// Outbound notifications implement Message and are wrapped in an Envelope
// carrying their Kind. Inbound commands implement Command and are decoded
// and validated by DecodeCommand or DecodeEnvelope.
//
// Outbound kinds:
//   - offer: targeted invitation to accept a ride
//   - reject_confirmed: acknowledgment sent to a rejecting puller
//   - ride_filled: broadcast once a puller wins the accept race
//   - ride_expired: a searching ride timed out
//   - lifecycle: full ride snapshot after every transition
//   - completion: settlement result
//   - request_failed: an inbound command was refused
package messages
