package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/visus/twinsync/internal/protocol"
	"gopkg.in/yaml.v3"
)

// File is the YAML form of a timeline.
//
//	name: gripper-demo
//	loop: true
//	period: 4s
//	steps:
//	  - name: close
//	    at: 0s
//	    updates:
//	      - id: Robot_Claw_L
//	        transform: {position: [0.3, 0.15, 0]}
type File struct {
	Name   string        `yaml:"name"`
	Loop   bool          `yaml:"loop"`
	Period time.Duration `yaml:"period"`
	Steps  []StepFile    `yaml:"steps"`
}

type StepFile struct {
	Name    string        `yaml:"name"`
	At      time.Duration `yaml:"at"`
	Updates []any         `yaml:"updates"`
}

// Load reads a timeline file.
func Load(path string) (*Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open timeline: %w", err)
	}
	defer f.Close()
	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("timeline %s: %w", path, err)
	}
	return t, nil
}

// Decode parses a YAML timeline. Updates use the same field names as the
// JSON payload and are held to the same rules; any dropped field fails the
// whole file.
func Decode(r io.Reader) (*Timeline, error) {
	var tf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty timeline")
		}
		return nil, fmt.Errorf("parse timeline: %w", err)
	}
	if tf.Name == "" {
		return nil, errors.New("timeline has no name")
	}
	if tf.Period < 0 || (tf.Period > 0 && tf.Period < MinPeriod) {
		return nil, fmt.Errorf("period %s shorter than %s", tf.Period, MinPeriod)
	}

	steps := make([]Step, 0, len(tf.Steps))
	for i, sf := range tf.Steps {
		if sf.At < 0 {
			return nil, fmt.Errorf("step %d: negative offset %s", i, sf.At)
		}
		p, err := stepPayload(sf.Updates)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, sf.Name, err)
		}
		name := sf.Name
		if name == "" {
			name = fmt.Sprintf("%s#%d", tf.Name, i)
		}
		steps = append(steps, Step{Name: name, At: sf.At, Payload: p})
	}

	t := New(tf.Name, steps)
	t.Loop = tf.Loop
	t.Period = tf.Period
	return t, nil
}

// stepPayload routes YAML updates through the wire decoder.
func stepPayload(updates []any) (protocol.Payload, error) {
	raw, err := json.Marshal(map[string]any{"updates": updates})
	if err != nil {
		return protocol.Payload{}, fmt.Errorf("encode updates: %w", err)
	}
	p, ferrs, err := protocol.Decode(raw)
	if err != nil {
		return protocol.Payload{}, err
	}
	if len(ferrs) > 0 {
		return protocol.Payload{}, errors.Join(errorsOf(ferrs)...)
	}
	return p, nil
}

func errorsOf(ferrs []protocol.FieldError) []error {
	out := make([]error, len(ferrs))
	for i := range ferrs {
		out[i] = ferrs[i]
	}
	return out
}

// Stamp gives p a fresh event id and the current time. Steps are reused
// across loop iterations, so each firing gets its own identity.
func Stamp(p protocol.Payload, now time.Time) protocol.Payload {
	p.Timestamp = now.UnixMilli()
	p.EventID = uuid.NewString()
	return p
}
