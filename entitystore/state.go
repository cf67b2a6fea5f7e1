package entitystore

import "time"

// Position is the position group of an entity. Nil leaves have not been observed.
type Position struct {
	Lat               *float64 `json:"lat"`
	Lng               *float64 `json:"lng"`
	AltitudeM         *float64 `json:"altitudeM"`
	RelativeAltitudeM *float64 `json:"relativeAltitudeM"`
}

// Velocity is the velocity vector in meters per second.
type Velocity struct {
	Vx *float64 `json:"vx"`
	Vy *float64 `json:"vy"`
	Vz *float64 `json:"vz"`
}

// Motion is the motion group of an entity.
type Motion struct {
	SpeedMps   *float64 `json:"speedMps"`
	HeadingDeg *float64 `json:"headingDeg"`
	Velocity   Velocity `json:"velocity"`
}

// Battery is the power group of an entity.
type Battery struct {
	Percent  *float64 `json:"percent"`
	VoltageV *float64 `json:"voltageV"`
}

// System is the flight-controller status group of an entity.
type System struct {
	Armed    *bool   `json:"armed"`
	Mode     *string `json:"mode"`
	GPSValid *bool   `json:"gpsValid"`
}

// EntityState is the canonical snapshot of one tracked entity.
type EntityState struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	MissionID  *string   `json:"missionId"`
	LastUpdate time.Time `json:"lastUpdate"`
	Connected  bool      `json:"connected"`
	Position   Position  `json:"position"`
	Motion     Motion    `json:"motion"`
	Battery    Battery   `json:"battery"`
	System     System    `json:"system"`
}

// Delta is a partial EntityState. Each non-nil group replaces the whole group of the
// snapshot; nil groups leave it untouched.
type Delta struct {
	MissionID *string
	Position  *Position
	Motion    *Motion
	Battery   *Battery
	System    *System
}

// InventoryItem is one entity of the reference inventory.
type InventoryItem struct {
	ReferenceID string  `json:"referenceId"`
	Name        string  `json:"name"`
	MissionID   *string `json:"missionId,omitempty"`
}

// DeriveID returns the store key of an inventory reference id.
func DeriveID(referenceID string) string {
	return "entity" + referenceID
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Clone returns a deep copy.
func (p Position) Clone() Position {
	return Position{
		Lat:               clonePtr(p.Lat),
		Lng:               clonePtr(p.Lng),
		AltitudeM:         clonePtr(p.AltitudeM),
		RelativeAltitudeM: clonePtr(p.RelativeAltitudeM),
	}
}

// Clone returns a deep copy.
func (m Motion) Clone() Motion {
	return Motion{
		SpeedMps:   clonePtr(m.SpeedMps),
		HeadingDeg: clonePtr(m.HeadingDeg),
		Velocity: Velocity{
			Vx: clonePtr(m.Velocity.Vx),
			Vy: clonePtr(m.Velocity.Vy),
			Vz: clonePtr(m.Velocity.Vz),
		},
	}
}

// Clone returns a deep copy.
func (b Battery) Clone() Battery {
	return Battery{Percent: clonePtr(b.Percent), VoltageV: clonePtr(b.VoltageV)}
}

// Clone returns a deep copy.
func (s System) Clone() System {
	return System{Armed: clonePtr(s.Armed), Mode: clonePtr(s.Mode), GPSValid: clonePtr(s.GPSValid)}
}

// Clone returns a deep copy.
func (e EntityState) Clone() EntityState {
	out := e
	out.MissionID = clonePtr(e.MissionID)
	out.Position = e.Position.Clone()
	out.Motion = e.Motion.Clone()
	out.Battery = e.Battery.Clone()
	out.System = e.System.Clone()
	return out
}

// HasPosition reports whether both coordinates have been observed.
func (e EntityState) HasPosition() bool {
	return e.Position.Lat != nil && e.Position.Lng != nil
}
