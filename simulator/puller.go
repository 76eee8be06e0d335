package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/infra/logger"
	"github.com/kilianp07/ridedispatch/infra/mqtt"
)

// SimulatedPuller reports presence over MQTT, answers offers according to
// its strategy and drives the rides it wins through pickup and completion.
type SimulatedPuller struct {
	ID     string
	Lat    float64
	Lon    float64
	Online bool

	Broker     string
	Topics     mqtt.Topics
	Strategy   OfferStrategy
	Latency    time.Duration
	Interval   time.Duration
	TripTime   time.Duration
	MissMeters float64
	Log        logger.Logger

	client paho.Client
	mu     sync.Mutex
	// trips holds the destination of every ride offered and not yet settled.
	trips map[string]messages.BlockSummary
}

// Run connects to the broker, reports status every Interval and handles
// notifications until ctx is done. An offline status is published on exit.
func (p *SimulatedPuller) Run(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	p.publishStatus()
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.publishStatus()
		case <-ctx.Done():
			p.mu.Lock()
			p.Online = false
			p.mu.Unlock()
			p.publishStatus()
			p.client.Disconnect(250)
			return nil
		}
	}
}

func (p *SimulatedPuller) connect(ctx context.Context) error {
	if p.Log == nil {
		p.Log = logger.NopLogger{}
	}
	p.trips = make(map[string]messages.BlockSummary)
	cli, err := mqttClientFactory(p.Broker, "sim-"+p.ID)
	if err != nil {
		return err
	}
	p.client = cli
	for _, topic := range []string{p.Topics.Puller(p.ID, "+"), p.Topics.Broadcast("+")} {
		if token := cli.Subscribe(topic, 1, p.onMessage(ctx)); token.Wait() && token.Error() != nil {
			cli.Disconnect(250)
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
	}
	return nil
}

func (p *SimulatedPuller) onMessage(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var env messages.Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			p.Log.Warnf("%s: decode %s: %v", p.ID, msg.Topic(), err)
			return
		}
		p.handle(ctx, messages.Kind(env.Type), env.Data)
	}
}

func (p *SimulatedPuller) handle(ctx context.Context, kind messages.Kind, data json.RawMessage) {
	switch kind {
	case messages.KindOffer:
		var o messages.Offer
		if err := json.Unmarshal(data, &o); err != nil {
			p.Log.Warnf("%s: decode offer: %v", p.ID, err)
			return
		}
		p.onOffer(ctx, o)
	case messages.KindRideFilled:
		var f messages.RideFilled
		if err := json.Unmarshal(data, &f); err == nil && f.PullerID != p.ID {
			p.forget(f.RideID)
		}
	case messages.KindLifecycle:
		var l messages.Lifecycle
		if err := json.Unmarshal(data, &l); err != nil {
			p.Log.Warnf("%s: decode lifecycle: %v", p.ID, err)
			return
		}
		p.onLifecycle(ctx, l.Ride)
	case messages.KindRideExpired:
		var e messages.RideExpired
		if err := json.Unmarshal(data, &e); err == nil {
			p.forget(e.RideID)
		}
	case messages.KindCompletion:
		var c messages.Completion
		if err := json.Unmarshal(data, &c); err == nil {
			p.Log.Infow("ride settled", map[string]any{"puller_id": p.ID, "ride_id": c.RideID, "points": c.PointsAwarded})
		}
	case messages.KindRequestFailed:
		var f messages.RequestFailed
		if err := json.Unmarshal(data, &f); err == nil {
			p.Log.Debugw("command refused", map[string]any{"puller_id": p.ID, "command": string(f.Command), "ride_id": f.RideID, "reason": f.Reason})
			if f.RideID != "" && f.Command == messages.CommandAccept {
				p.forget(f.RideID)
			}
		}
	}
}

func (p *SimulatedPuller) onOffer(ctx context.Context, o messages.Offer) {
	d := p.Strategy.Decide(o)
	p.Log.Debugw("offer received", map[string]any{"puller_id": p.ID, "ride_id": o.RideID, "distance_m": o.DistanceMeters, "decision": d.String()})
	switch d {
	case DecisionAccept:
		p.mu.Lock()
		p.trips[o.RideID] = o.Destination
		p.mu.Unlock()
		p.after(ctx, p.Latency, func() {
			p.publish(messages.Accept{RideID: o.RideID, PullerID: p.ID})
		})
	case DecisionReject:
		p.after(ctx, p.Latency, func() {
			p.publish(messages.Reject{RideID: o.RideID, PullerID: p.ID})
		})
	}
}

// onLifecycle advances rides assigned to this puller: an accepted ride is
// picked up and an active one completed, each after TripTime.
func (p *SimulatedPuller) onLifecycle(ctx context.Context, r model.Ride) {
	if r.AssignedPuller() != p.ID {
		if r.Status == model.RideCancelled {
			p.forget(r.ID)
		}
		return
	}
	switch r.Status {
	case model.RideAccepted:
		p.after(ctx, p.TripTime, func() {
			p.publish(messages.Pickup{RideID: r.ID})
		})
	case model.RideActive:
		p.mu.Lock()
		dest, ok := p.trips[r.ID]
		p.mu.Unlock()
		if !ok {
			p.Log.Warnf("%s: active ride %s without known destination", p.ID, r.ID)
			return
		}
		lat, lon := offset(dest.Lat, dest.Lon, p.MissMeters, 0)
		p.after(ctx, p.TripTime, func() {
			p.mu.Lock()
			p.Lat, p.Lon = lat, lon
			p.mu.Unlock()
			p.publish(messages.Complete{RideID: r.ID, FinalLat: &lat, FinalLon: &lon})
		})
	case model.RideCompleted:
		p.forget(r.ID)
		p.publishStatus()
	}
}

func (p *SimulatedPuller) forget(rideID string) {
	p.mu.Lock()
	delete(p.trips, rideID)
	p.mu.Unlock()
}

func (p *SimulatedPuller) after(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	go func() {
		select {
		case <-time.After(d):
			fn()
		case <-ctx.Done():
		}
	}()
}

func (p *SimulatedPuller) publishStatus() {
	p.mu.Lock()
	lat, lon := p.Lat, p.Lon
	st := messages.PullerStatusUpdate{PullerID: p.ID, Online: p.Online, Active: true, Lat: &lat, Lon: &lon}
	p.mu.Unlock()
	p.publish(st)
}

func (p *SimulatedPuller) publish(cmd messages.Command) {
	payload, err := messages.EncodeCommand(cmd)
	if err != nil {
		p.Log.Errorf("%s: %v", p.ID, err)
		return
	}
	token := p.client.Publish(p.Topics.Command(cmd.CommandKind()), 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		p.Log.Warnf("%s: publish %s timeout", p.ID, cmd.CommandKind())
		return
	}
	if err := token.Error(); err != nil {
		p.Log.Errorf("%s: publish %s: %v", p.ID, cmd.CommandKind(), err)
	}
}
