package scenarios

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/ridedispatch/core/model"
)

// Op names a scenario step.
type Op string

const (
	OpRequest  Op = "request"
	OpAccept   Op = "accept"
	OpReject   Op = "reject"
	OpPickup   Op = "pickup"
	OpComplete Op = "complete"
	OpCancel   Op = "cancel"
	OpExpire   Op = "expire"
	OpStatus   Op = "status"
	OpAdjust   Op = "adjust"
)

type BlockDef struct {
	ID   string  `yaml:"id"`
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
}

func (b BlockDef) ToModel() model.Block {
	return model.Block{ID: b.ID, Name: b.Name, Lat: b.Lat, Lon: b.Lon}
}

// PullerDef seeds a puller. Every puller starts with an empty ledger.
type PullerDef struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Online bool     `yaml:"online"`
	Active bool     `yaml:"active"`
	Lat    *float64 `yaml:"lat"`
	Lon    *float64 `yaml:"lon"`
}

func (p PullerDef) ToModel() model.Puller {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return model.Puller{ID: p.ID, Name: name, IsOnline: p.Online, IsActive: p.Active, Lat: p.Lat, Lon: p.Lon}
}

// Step is one operation against the engine. Ride is a scenario-local alias
// bound by the request step that creates it. Error holds the expected error
// code, empty for success.
type Step struct {
	Op     Op       `yaml:"op"`
	Ride   string   `yaml:"ride,omitempty"`
	From   string   `yaml:"from,omitempty"`
	To     string   `yaml:"to,omitempty"`
	Puller string   `yaml:"puller,omitempty"`
	Lat    *float64 `yaml:"lat,omitempty"`
	Lon    *float64 `yaml:"lon,omitempty"`
	Online bool     `yaml:"online,omitempty"`
	Active bool     `yaml:"active,omitempty"`
	Reason string   `yaml:"reason,omitempty"`
	Delta  int      `yaml:"delta,omitempty"`
	Error  string   `yaml:"error,omitempty"`
}

type Expected struct {
	// Rides maps ride aliases to their final status.
	Rides    map[string]model.RideStatus `yaml:"rides"`
	Balances map[string]int              `yaml:"balances"`
	// Offers maps ride aliases to the pullers that received an offer, in
	// send order.
	Offers map[string][]string `yaml:"offers,omitempty"`
}

type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	BatchSize   int         `yaml:"batch_size,omitempty"`
	Blocks      []BlockDef  `yaml:"blocks"`
	Pullers     []PullerDef `yaml:"pullers"`
	FailPullers []string    `yaml:"fail_pullers,omitempty"`
	Steps       []Step      `yaml:"steps"`
	Expected    Expected    `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &sc, nil
}

// Validate checks that every step is known and only references rides bound
// by an earlier request.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("scenario without name")
	}
	bound := map[string]bool{}
	for i, st := range sc.Steps {
		switch st.Op {
		case OpRequest:
			if st.Ride == "" || st.From == "" || st.To == "" {
				return fmt.Errorf("step %d: request needs ride, from and to", i)
			}
			bound[st.Ride] = true
		case OpAccept, OpReject:
			if !bound[st.Ride] || st.Puller == "" {
				return fmt.Errorf("step %d: %s needs a known ride and a puller", i, st.Op)
			}
		case OpPickup, OpCancel, OpExpire:
			if !bound[st.Ride] {
				return fmt.Errorf("step %d: %s on unknown ride %q", i, st.Op, st.Ride)
			}
		case OpComplete:
			if !bound[st.Ride] || st.Lat == nil || st.Lon == nil {
				return fmt.Errorf("step %d: complete needs a known ride and lat/lon", i)
			}
		case OpStatus, OpAdjust:
			if st.Puller == "" {
				return fmt.Errorf("step %d: %s needs a puller", i, st.Op)
			}
		default:
			return fmt.Errorf("step %d: unknown op %q", i, st.Op)
		}
	}
	return nil
}
