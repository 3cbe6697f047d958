package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

type rawPayload struct {
	Timestamp json.RawMessage   `json:"timestamp"`
	EventID   json.RawMessage   `json:"eventId"`
	Updates   []json.RawMessage `json:"updates"`
}

type rawState struct {
	ID        json.RawMessage `json:"id"`
	Visible   json.RawMessage `json:"visible"`
	Transform json.RawMessage `json:"transform"`
	Material  json.RawMessage `json:"material"`
}

type rawTransform struct {
	Position json.RawMessage `json:"position"`
	Rotation json.RawMessage `json:"rotation"`
	Scale    json.RawMessage `json:"scale"`
}

type rawMaterial struct {
	ColorHex json.RawMessage `json:"colorHex"`
	Emissive json.RawMessage `json:"emissive"`
}

var errMissingID = errors.New("missing id")

// Decode parses a wire payload. Only an unreadable envelope is an error: a
// field with the wrong JSON type is dropped and reported, leaving its
// siblings and the other entries intact. An entry without an id is dropped.
func Decode(data []byte) (Payload, []FieldError, error) {
	var raw rawPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, nil, fmt.Errorf("decode payload: %w", err)
	}

	var (
		p    Payload
		errs []FieldError
	)
	if len(raw.Timestamp) > 0 {
		var ts float64
		if err := json.Unmarshal(raw.Timestamp, &ts); err != nil || math.IsInf(ts, 0) {
			errs = append(errs, FieldError{Index: -1, Field: "timestamp", Err: fieldErr(err)})
		} else {
			p.Timestamp = int64(ts)
		}
	}
	if err := decodeField(raw.EventID, &p.EventID); err != nil {
		errs = append(errs, FieldError{Index: -1, Field: "eventId", Err: err})
	}

	p.Updates = make([]ObjectState, 0, len(raw.Updates))
	for i, msg := range raw.Updates {
		st, stErrs, ok := decodeState(i, msg)
		errs = append(errs, stErrs...)
		if ok {
			p.Updates = append(p.Updates, st)
		}
	}
	return p, errs, nil
}

func decodeState(i int, msg json.RawMessage) (ObjectState, []FieldError, bool) {
	var (
		raw  rawState
		st   ObjectState
		errs []FieldError
	)
	if err := json.Unmarshal(msg, &raw); err != nil {
		return st, []FieldError{{Index: i, Field: "", Err: err}}, false
	}
	if err := decodeField(raw.ID, &st.ID); err != nil || st.ID == "" {
		if err == nil {
			err = errMissingID
		}
		return st, []FieldError{{Index: i, Field: "id", Err: err}}, false
	}
	drop := func(field string, err error) {
		errs = append(errs, FieldError{Index: i, ID: st.ID, Field: field, Err: err})
	}

	if err := decodeField(raw.Visible, &st.Visible); err != nil {
		drop(FieldVisible, err)
		st.Visible = nil
	}

	if isPresent(raw.Transform) {
		var rt rawTransform
		if err := json.Unmarshal(raw.Transform, &rt); err != nil {
			drop("transform", err)
		} else {
			tr := &Transform{}
			if err := decodeVector(rt.Position, &tr.Position); err != nil {
				drop(FieldPosition, err)
				tr.Position = nil
			}
			if err := decodeVector(rt.Rotation, &tr.Rotation); err != nil {
				drop(FieldRotation, err)
				tr.Rotation = nil
			}
			if err := decodeVector(rt.Scale, &tr.Scale); err != nil {
				drop(FieldScale, err)
				tr.Scale = nil
			}
			st.Transform = tr
		}
	}

	if isPresent(raw.Material) {
		var rm rawMaterial
		if err := json.Unmarshal(raw.Material, &rm); err != nil {
			drop("material", err)
		} else {
			m := &Material{}
			if err := decodeField(rm.ColorHex, &m.ColorHex); err != nil {
				drop(FieldColor, err)
				m.ColorHex = nil
			}
			if err := decodeField(rm.Emissive, &m.Emissive); err != nil {
				drop(FieldEmissive, err)
				m.Emissive = nil
			}
			st.Material = m
		}
	}
	return st, errs, true
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func decodeField[T any](raw json.RawMessage, dst *T) error {
	if !isPresent(raw) {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// decodeVector is decodeField for number arrays; a null element is an error
// rather than a zero.
func decodeVector(raw json.RawMessage, dst *[]float64) error {
	var elems []*float64
	if err := decodeField(raw, &elems); err != nil {
		return err
	}
	if elems == nil {
		return nil
	}
	out := make([]float64, len(elems))
	for i, v := range elems {
		if v == nil {
			return fmt.Errorf("element %d is null", i)
		}
		out[i] = *v
	}
	*dst = out
	return nil
}

func fieldErr(err error) error {
	if err == nil {
		return errors.New("not a finite number")
	}
	return err
}
