// Package scripting runs Lua scripts that generate twin updates, standing in
// for a live telemetry feed.
package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/visus/twinsync/internal/ingest"
	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/timeline"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// APIVersion is exposed to scripts as API_VERSION.
const APIVersion = 1

// Sink accepts envelopes without blocking. *ingest.Queue implements it.
type Sink interface {
	Offer(ingest.Envelope) bool
}

// Simulator wraps one gopher-lua VM. A script defines
//
//	function next_update(tick, ids) ... end
//
// returning nil, a payload table ({updates = {...}}) or a sequence
// ({name = "...", steps = {{at = 0.5, updates = {...}}, ...}}) whose step
// offsets are in seconds. Single-goroutine access only.
type Simulator struct {
	vm    *lua.LState
	name  string
	ticks int
	log   *zap.Logger
}

// NewSimulator loads the script at path.
func NewSimulator(path string, log *zap.Logger) (*Simulator, error) {
	s := newSimulator(path, log)
	if err := s.vm.DoFile(path); err != nil {
		s.vm.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSimulatorFromString loads script source directly; name labels logs.
func NewSimulatorFromString(name, src string, log *zap.Logger) (*Simulator, error) {
	s := newSimulator(name, log)
	if err := s.vm.DoString(src); err != nil {
		s.vm.Close()
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func newSimulator(name string, log *zap.Logger) *Simulator {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(APIVersion))
	vm.SetGlobal("now_ms", vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().UnixMilli()))
		return 1
	}))
	vm.SetGlobal("new_id", vm.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(uuid.NewString()))
		return 1
	}))
	return &Simulator{vm: vm, name: name, log: log.With(zap.String("script", name))}
}

func (s *Simulator) check() error {
	if _, ok := s.vm.GetGlobal("next_update").(*lua.LFunction); !ok {
		s.vm.Close()
		return fmt.Errorf("script %s: next_update is not defined", s.name)
	}
	return nil
}

// Next calls next_update and converts its result. A nil timeline means the
// script had nothing to send this time.
func (s *Simulator) Next(ids []string) (*timeline.Timeline, error) {
	s.ticks++
	idt := s.vm.NewTable()
	for _, id := range ids {
		idt.Append(lua.LString(id))
	}

	if err := s.vm.CallByParam(lua.P{
		Fn:      s.vm.GetGlobal("next_update"),
		NRet:    1,
		Protect: true,
	}, lua.LNumber(s.ticks), idt); err != nil {
		return nil, fmt.Errorf("next_update: %w", err)
	}
	ret := s.vm.Get(-1)
	s.vm.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return nil, nil
	case *lua.LTable:
		return s.toTimeline(v)
	default:
		return nil, fmt.Errorf("next_update returned %s, want table or nil", ret.Type())
	}
}

func (s *Simulator) toTimeline(t *lua.LTable) (*timeline.Timeline, error) {
	name := lua.LVAsString(t.RawGetString("name"))
	if name == "" {
		name = "sim:" + uuid.NewString()
	}

	var steps []timeline.Step
	if st, ok := t.RawGetString("steps").(*lua.LTable); ok {
		var err error
		st.ForEach(func(_, v lua.LValue) {
			if err != nil {
				return
			}
			step, ok := v.(*lua.LTable)
			if !ok {
				err = errors.New("steps must be tables")
				return
			}
			var p protocol.Payload
			if p, err = payloadOf(step); err != nil {
				return
			}
			at := float64(lua.LVAsNumber(step.RawGetString("at")))
			if at < 0 || math.IsNaN(at) || math.IsInf(at, 0) {
				err = fmt.Errorf("step offset %v out of range", at)
				return
			}
			steps = append(steps, timeline.Step{
				Name:    lua.LVAsString(step.RawGetString("name")),
				At:      time.Duration(at * float64(time.Second)),
				Payload: p,
			})
		})
		if err != nil {
			return nil, err
		}
	} else {
		p, err := payloadOf(t)
		if err != nil {
			return nil, err
		}
		steps = []timeline.Step{{Name: name, Payload: p}}
	}
	return timeline.New(name, steps), nil
}

// payloadOf reads t.updates through the wire decoder, so scripts are held
// to the same rules as remote producers.
func payloadOf(t *lua.LTable) (protocol.Payload, error) {
	raw, err := json.Marshal(map[string]any{"updates": toGo(t.RawGetString("updates"))})
	if err != nil {
		return protocol.Payload{}, fmt.Errorf("encode updates: %w", err)
	}
	p, ferrs, err := protocol.Decode(raw)
	if err != nil {
		return protocol.Payload{}, err
	}
	if len(ferrs) > 0 {
		return protocol.Payload{}, ferrs[0]
	}
	return p, nil
}

// toGo converts a Lua value to plain Go values. Tables with only integer
// keys become slices; empty tables become nil.
func toGo(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 && n == v.Len() && countKeys(v) == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, toGo(v.RawGetInt(i)))
			}
			return out
		}
		if countKeys(v) == 0 {
			return nil
		}
		out := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			out[k.String()] = toGo(val)
		})
		return out
	}
	return nil
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}

// Run calls Next every interval and offers each result to sink until ctx is
// cancelled. ids supplies the currently addressable ids.
func (s *Simulator) Run(ctx context.Context, interval time.Duration, sink Sink, ids func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tl, err := s.Next(ids())
			if err != nil {
				s.log.Warn("simulator step failed", zap.Error(err))
				continue
			}
			if tl == nil {
				continue
			}
			sink.Offer(ingest.Envelope{Kind: ingest.KindTimeline, Source: "simulator", Timeline: tl})
		}
	}
}

func (s *Simulator) Close() {
	s.vm.Close()
}
