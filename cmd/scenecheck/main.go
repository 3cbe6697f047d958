// scenecheck loads a scene description and reports what telemetry can
// address in it. Payload files given after the scene are dry-run against it.
//
//	scenecheck <scene.yaml | builtin> [payload.json ...]
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/visus/twinsync/internal/core/event"
	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/scene"
	"github.com/visus/twinsync/internal/twin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Report is printed as YAML.
type Report struct {
	Source    string              `yaml:"source"`
	Digest    string              `yaml:"digest"`
	Objects   []string            `yaml:"objects"`
	Shared    map[string][]string `yaml:"shared_materials,omitempty"`
	Unindexed []string            `yaml:"unindexed_meshes,omitempty"`
	Payloads  []PayloadReport     `yaml:"payloads,omitempty"`
}

type PayloadReport struct {
	File      string   `yaml:"file"`
	Updates   int      `yaml:"updates"`
	Dropped   []string `yaml:"dropped_fields,omitempty"`
	Unknown   []string `yaml:"unknown_ids,omitempty"`
	Malformed []string `yaml:"malformed_fields,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: scenecheck <scene.yaml | builtin> [payload.json ...]")
		os.Exit(2)
	}
	rep, err := check(os.Args[1], os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, p := range rep.Payloads {
		if len(p.Unknown) > 0 || len(p.Malformed) > 0 || len(p.Dropped) > 0 {
			os.Exit(3)
		}
	}
}

func check(scenePath string, payloads []string) (*Report, error) {
	var src scene.Source = scene.FileSource{Path: scenePath}
	if scenePath == "builtin" {
		src = scene.RobotArmSource
	}
	root, index, err := scene.NewLoader(zap.NewNop()).Load(src)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Source:  src.Name(),
		Digest:  index.Digest(),
		Objects: index.IDs(),
		Shared:  sharedMaterials(root),
	}
	root.Traverse(func(n *scene.Node) {
		if n.Renderable() && !scene.Indexable(n) {
			name := n.Name
			if name == "" {
				name = "(unnamed)"
			}
			rep.Unindexed = append(rep.Unindexed, name)
		}
	})

	for _, path := range payloads {
		pr, err := dryRun(index, path)
		if err != nil {
			return nil, err
		}
		rep.Payloads = append(rep.Payloads, pr)
	}
	return rep, nil
}

// sharedMaterials groups renderable nodes by the material they share. Only
// materials used by more than one node are listed.
func sharedMaterials(root *scene.Node) map[string][]string {
	users := map[*scene.Material][]string{}
	root.Traverse(func(n *scene.Node) {
		if n.Material != nil && n.Name != "" {
			users[n.Material] = append(users[n.Material], n.Name)
		}
	})
	out := map[string][]string{}
	for m, names := range users {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		out[m.Name] = names
	}
	return out
}

// dryRun merges one payload file into a scratch store and applies a single
// tick, collecting every warning the engine raises.
func dryRun(index *scene.Index, path string) (PayloadReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PayloadReport{}, fmt.Errorf("read payload: %w", err)
	}
	p, ferrs, err := protocol.Decode(data)
	if err != nil {
		return PayloadReport{}, fmt.Errorf("%s: %w", path, err)
	}

	pr := PayloadReport{File: path, Updates: len(p.Updates)}
	for _, fe := range ferrs {
		pr.Dropped = append(pr.Dropped, fe.Error())
	}

	bus := event.NewBus()
	event.Subscribe(bus, func(ev event.UnknownID) { pr.Unknown = append(pr.Unknown, ev.ID) })
	event.Subscribe(bus, func(ev event.MalformedField) {
		pr.Malformed = append(pr.Malformed, fmt.Sprintf("%s %s: %s", ev.ID, ev.Field, ev.Reason))
	})

	engine := twin.NewEngine(twin.NewStore(zap.NewNop()), twin.EngineConfig{}, bus, zap.NewNop())
	engine.Store().ProcessPayload(p)
	engine.Update(index)
	bus.SwapBuffers()
	bus.DispatchAll()

	sort.Strings(pr.Unknown)
	pr.Malformed = dedupe(pr.Malformed)
	return pr, nil
}

func dedupe(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
