// Package protocol defines the update payload that transports deliver to the
// target store. Every field of an ObjectState is optional; a nil field means
// "no change requested", never "reset".
package protocol

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is reported by the HTTP API and tagged on journal rows.
const SchemaVersion = "1.0.0"

// Field paths used in warnings.
const (
	FieldVisible  = "visible"
	FieldPosition = "transform.position"
	FieldRotation = "transform.rotation"
	FieldScale    = "transform.scale"
	FieldColor    = "material.colorHex"
	FieldEmissive = "material.emissive"
)

// Payload is one batch of partial updates. Timestamp is sender epoch-ms and
// is carried but not used for ordering.
type Payload struct {
	Timestamp int64         `json:"timestamp"`
	EventID   string        `json:"eventId,omitempty"`
	Updates   []ObjectState `json:"updates"`
}

// ObjectState is the desired state for one id.
type ObjectState struct {
	ID        string     `json:"id"`
	Visible   *bool      `json:"visible,omitempty"`
	Transform *Transform `json:"transform,omitempty"`
	Material  *Material  `json:"material,omitempty"`
}

// Transform vectors are [x, y, z]; Rotation is Euler XYZ in radians.
// Lengths are not checked on decode.
type Transform struct {
	Position []float64 `json:"position,omitempty"`
	Rotation []float64 `json:"rotation,omitempty"`
	Scale    []float64 `json:"scale,omitempty"`
}

type Material struct {
	ColorHex *string  `json:"colorHex,omitempty"` // "#RRGGBB"
	Emissive *float64 `json:"emissive,omitempty"` // emissive intensity
}

// Clone returns a deep copy.
func (s ObjectState) Clone() ObjectState {
	out := ObjectState{ID: s.ID}
	if s.Visible != nil {
		v := *s.Visible
		out.Visible = &v
	}
	if s.Transform != nil {
		out.Transform = &Transform{
			Position: cloneFloats(s.Transform.Position),
			Rotation: cloneFloats(s.Transform.Rotation),
			Scale:    cloneFloats(s.Transform.Scale),
		}
	}
	if s.Material != nil {
		m := &Material{}
		if s.Material.ColorHex != nil {
			c := *s.Material.ColorHex
			m.ColorHex = &c
		}
		if s.Material.Emissive != nil {
			e := *s.Material.Emissive
			m.Emissive = &e
		}
		out.Material = m
	}
	return out
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// Encode renders p as JSON.
func Encode(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// FieldError reports one field dropped during Decode.
type FieldError struct {
	Index int // position in updates; -1 for envelope fields
	ID    string
	Field string
	Err   error
}

func (e FieldError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("payload %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("updates[%d] id=%q %s: %v", e.Index, e.ID, e.Field, e.Err)
}

func (e FieldError) Unwrap() error { return e.Err }
