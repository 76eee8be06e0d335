package dispatch

import (
	"context"
	"fmt"

	"github.com/kilianp07/ridedispatch/core/messages"
)

// HandleCommand executes an inbound command from any transport. When it
// fails and the issuing puller can be identified, a request_failed notice is
// sent to that puller before the error is returned.
func (e *Engine) HandleCommand(ctx context.Context, cmd messages.Command) error {
	if cmd == nil {
		return fmt.Errorf("nil command: %w", ErrInvalidCommand)
	}
	err := messages.Validate(cmd)
	if err == nil {
		err = e.execute(ctx, cmd)
	}
	if err != nil {
		e.reportFailure(ctx, cmd, err)
	}
	return err
}

func (e *Engine) execute(ctx context.Context, cmd messages.Command) error {
	var err error
	switch c := cmd.(type) {
	case messages.RideRequest:
		_, err = e.RequestRide(ctx, c)
	case messages.Accept:
		_, err = e.Accept(ctx, c.RideID, c.PullerID)
	case messages.Reject:
		_, err = e.Reject(ctx, c.RideID, c.PullerID)
	case messages.Pickup:
		_, err = e.Pickup(ctx, c.RideID)
	case messages.Complete:
		_, err = e.Complete(ctx, c.RideID, *c.FinalLat, *c.FinalLon)
	case messages.PullerStatusUpdate:
		_, err = e.UpdatePullerStatus(ctx, c)
	default:
		err = fmt.Errorf("unsupported command %T: %w", cmd, ErrInvalidCommand)
	}
	return err
}

func (e *Engine) reportFailure(ctx context.Context, cmd messages.Command, err error) {
	pullerID, rideID := issuer(cmd)
	if pullerID == "" && rideID != "" {
		if r, gerr := e.store.GetRide(ctx, rideID); gerr == nil {
			pullerID = r.AssignedPuller()
		}
	}
	e.logger.Warnw("command failed", map[string]any{
		"command":   string(cmd.CommandKind()),
		"ride_id":   rideID,
		"puller_id": pullerID,
		"error":     err.Error(),
	})
	if pullerID == "" {
		return
	}
	_ = e.notify(ctx, pullerID, messages.RequestFailed{
		Command: cmd.CommandKind(),
		RideID:  rideID,
		Reason:  ErrorCode(err),
		Detail:  err.Error(),
	})
}

// issuer extracts the puller and ride a command refers to.
func issuer(cmd messages.Command) (pullerID, rideID string) {
	switch c := cmd.(type) {
	case messages.Accept:
		return c.PullerID, c.RideID
	case messages.Reject:
		return c.PullerID, c.RideID
	case messages.Pickup:
		return "", c.RideID
	case messages.Complete:
		return "", c.RideID
	case messages.PullerStatusUpdate:
		return c.PullerID, ""
	}
	return "", ""
}
