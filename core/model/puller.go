package model

// Puller is a transport agent that can be offered rides.
type Puller struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	PointsBalance int      `json:"points_balance"`
	IsOnline      bool     `json:"is_online"`
	IsActive      bool     `json:"is_active"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`
}

// HasLocation reports whether a last known position exists.
func (p Puller) HasLocation() bool { return p.Lat != nil && p.Lon != nil }

// Available returns true when the puller may receive offers.
func (p Puller) Available() bool { return p.IsOnline && p.IsActive && p.HasLocation() }

// Reachable returns true for pullers that should hear about voided offers.
func (p Puller) Reachable() bool { return p.IsOnline && p.IsActive }

// Clone returns a copy with independent location pointers.
func (p Puller) Clone() Puller {
	c := p
	c.Lat = clonePtr(p.Lat)
	c.Lon = clonePtr(p.Lon)
	return c
}

// PullerStatus is a presence/location update reported by a puller device.
type PullerStatus struct {
	PullerID string
	Online   bool
	Active   bool
	Lat      *float64
	Lon      *float64
}
