package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidCommand is returned for undecodable or invalid inbound payloads.
var ErrInvalidCommand = errors.New("invalid command")

// CommandKind tags an inbound command.
type CommandKind string

const (
	CommandRideRequest  CommandKind = "ride_request"
	CommandAccept       CommandKind = "accept"
	CommandReject       CommandKind = "reject"
	CommandPickup       CommandKind = "pickup"
	CommandComplete     CommandKind = "complete"
	CommandPullerStatus CommandKind = "puller_status"
)

// Command is implemented by every inbound event.
type Command interface {
	CommandKind() CommandKind
}

type RideRequest struct {
	StartBlockID       string  `json:"start_block_id" validate:"required"`
	DestinationBlockID string  `json:"destination_block_id" validate:"required"`
	RiderID            *string `json:"rider_id,omitempty" validate:"omitempty,min=1"`
}

type Accept struct {
	RideID   string `json:"ride_id" validate:"required"`
	PullerID string `json:"puller_id" validate:"required"`
}

type Reject struct {
	RideID   string `json:"ride_id" validate:"required"`
	PullerID string `json:"puller_id" validate:"required"`
}

type Pickup struct {
	RideID string `json:"ride_id" validate:"required"`
}

type Complete struct {
	RideID   string   `json:"ride_id" validate:"required"`
	FinalLat *float64 `json:"final_lat" validate:"required,latitude"`
	FinalLon *float64 `json:"final_lon" validate:"required,longitude"`
}

type PullerStatusUpdate struct {
	PullerID string   `json:"puller_id" validate:"required"`
	Online   bool     `json:"online"`
	Active   bool     `json:"active"`
	Lat      *float64 `json:"lat,omitempty" validate:"required_with=Lon,omitempty,latitude"`
	Lon      *float64 `json:"lon,omitempty" validate:"required_with=Lat,omitempty,longitude"`
}

func (RideRequest) CommandKind() CommandKind        { return CommandRideRequest }
func (Accept) CommandKind() CommandKind             { return CommandAccept }
func (Reject) CommandKind() CommandKind             { return CommandReject }
func (Pickup) CommandKind() CommandKind             { return CommandPickup }
func (Complete) CommandKind() CommandKind           { return CommandComplete }
func (PullerStatusUpdate) CommandKind() CommandKind { return CommandPullerStatus }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of a decoded command.
func Validate(c Command) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%s: %w: %v", c.CommandKind(), ErrInvalidCommand, err)
	}
	return nil
}

// DecodeCommand unmarshals and validates payload as a command of kind.
func DecodeCommand(kind CommandKind, payload []byte) (Command, error) {
	var cmd Command
	var err error
	switch kind {
	case CommandRideRequest:
		cmd, err = decodeAs[RideRequest](payload)
	case CommandAccept:
		cmd, err = decodeAs[Accept](payload)
	case CommandReject:
		cmd, err = decodeAs[Reject](payload)
	case CommandPickup:
		cmd, err = decodeAs[Pickup](payload)
	case CommandComplete:
		cmd, err = decodeAs[Complete](payload)
	case CommandPullerStatus:
		cmd, err = decodeAs[PullerStatusUpdate](payload)
	default:
		return nil, fmt.Errorf("unknown command %q: %w", kind, ErrInvalidCommand)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", kind, ErrInvalidCommand, err)
	}
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DecodeEnvelope decodes a framed inbound command.
func DecodeEnvelope(b []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w: %v", ErrInvalidCommand, err)
	}
	return DecodeCommand(CommandKind(env.Type), env.Data)
}

// EncodeCommand frames a command in an Envelope, the form DecodeEnvelope
// reads back.
func EncodeCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("encode: nil command")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.CommandKind(), err)
	}
	return json.Marshal(Envelope{Type: string(c.CommandKind()), Data: data})
}

func decodeAs[T Command](payload []byte) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// Handler executes decoded commands. Transports hand every inbound command
// to a Handler.
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command) error
}
