package scene

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/lucasb-eyer/go-colorful"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadError reports a scene that could not be decoded or constructed.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load scene %s: %v", e.Source, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Source constructs a scene graph.
type Source interface {
	Name() string
	Build() (*Node, error)
}

// FileSource decodes a YAML (or JSON) scene description from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return s.Path }

func (s FileSource) Build() (*Node, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(raw))
}

// BytesSource decodes an in-memory scene description.
type BytesSource struct {
	Label string
	Data  []byte
}

func (s BytesSource) Name() string          { return s.Label }
func (s BytesSource) Build() (*Node, error) { return Decode(bytes.NewReader(s.Data)) }

// ProceduralSource builds a scene in code.
type ProceduralSource struct {
	Label string
	Fn    func() *Node
}

func (s ProceduralSource) Name() string { return s.Label }

func (s ProceduralSource) Build() (*Node, error) {
	root := s.Fn()
	if root == nil {
		return nil, errors.New("procedural scene returned nil root")
	}
	return root, nil
}

// Loader builds scenes and keeps the last successfully loaded one.
type Loader struct {
	mu    sync.RWMutex
	root  *Node
	index *Index
	log   *zap.Logger
}

func NewLoader(log *zap.Logger) *Loader {
	return &Loader{log: log}
}

// Load builds src and indexes it. On failure the previously loaded scene is
// left untouched and a *LoadError is returned.
func (l *Loader) Load(src Source) (*Node, *Index, error) {
	root, err := src.Build()
	if err != nil {
		return nil, nil, &LoadError{Source: src.Name(), Err: err}
	}
	index := BuildIndex(root)

	l.mu.Lock()
	l.root, l.index = root, index
	l.mu.Unlock()

	l.log.Info("scene loaded",
		zap.String("source", src.Name()),
		zap.Int("objects", index.Len()),
		zap.String("digest", index.Digest()[:12]),
	)
	return root, index, nil
}

// Current returns the last successfully loaded scene, or nils.
func (l *Loader) Current() (*Node, *Index) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.root, l.index
}

// ── scene description ──

// Description is the on-disk scene format.
type Description struct {
	Name      string                  `yaml:"name"`
	Materials map[string]MaterialSpec `yaml:"materials"`
	Nodes     []NodeSpec              `yaml:"nodes"`
}

type MaterialSpec struct {
	Color             string   `yaml:"color"`
	Emissive          string   `yaml:"emissive"`
	EmissiveIntensity *float64 `yaml:"emissive_intensity"`
}

type NodeSpec struct {
	Name     string     `yaml:"name"`
	Mesh     string     `yaml:"mesh"`
	Material string     `yaml:"material"`
	Position []float64  `yaml:"position"`
	Rotation []float64  `yaml:"rotation"` // Euler XYZ, radians
	Scale    []float64  `yaml:"scale"`
	Visible  *bool      `yaml:"visible"`
	Children []NodeSpec `yaml:"children"`
}

// Decode reads a scene description and builds its graph. Materials declared
// once are shared by every node that references them.
func Decode(r io.Reader) (*Node, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var desc Description
	if err := dec.Decode(&desc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty scene description")
		}
		return nil, fmt.Errorf("parse scene: %w", err)
	}
	return desc.Build()
}

// Build turns the description into a scene graph rooted at a group named
// after the description.
func (d *Description) Build() (*Node, error) {
	mats := make(map[string]*Material, len(d.Materials))
	for name, spec := range d.Materials {
		m, err := spec.build(name)
		if err != nil {
			return nil, err
		}
		mats[name] = m
	}
	root := NewGroup(d.Name)
	for i := range d.Nodes {
		child, err := d.Nodes[i].build(mats)
		if err != nil {
			return nil, err
		}
		root.Add(child)
	}
	return root, nil
}

func (s MaterialSpec) build(name string) (*Material, error) {
	color := colorful.Color{R: 1, G: 1, B: 1}
	if s.Color != "" {
		c, err := ParseHex(s.Color)
		if err != nil {
			return nil, fmt.Errorf("material %s: %w", name, err)
		}
		color = c
	}
	m := NewMaterial(name, color)
	if s.Emissive != "" {
		c, err := ParseHex(s.Emissive)
		if err != nil {
			return nil, fmt.Errorf("material %s emissive: %w", name, err)
		}
		m.Emissive = c
	}
	if s.EmissiveIntensity != nil {
		m.EmissiveIntensity = *s.EmissiveIntensity
	}
	return m, nil
}

func (s *NodeSpec) build(mats map[string]*Material) (*Node, error) {
	var n *Node
	if s.Mesh != "" {
		var mat *Material
		if s.Material != "" {
			m, ok := mats[s.Material]
			if !ok {
				return nil, fmt.Errorf("node %q: unknown material %q", s.Name, s.Material)
			}
			mat = m
		}
		n = NewMesh(s.Name, s.Mesh, mat)
	} else {
		if s.Material != "" {
			return nil, fmt.Errorf("node %q: material without mesh", s.Name)
		}
		n = NewGroup(s.Name)
	}

	if s.Position != nil {
		v, err := Vec3(s.Position)
		if err != nil {
			return nil, fmt.Errorf("node %q position: %w", s.Name, err)
		}
		n.Position = v
	}
	if s.Rotation != nil {
		v, err := Vec3(s.Rotation)
		if err != nil {
			return nil, fmt.Errorf("node %q rotation: %w", s.Name, err)
		}
		n.SetEuler(v[0], v[1], v[2])
	}
	if s.Scale != nil {
		v, err := Vec3(s.Scale)
		if err != nil {
			return nil, fmt.Errorf("node %q scale: %w", s.Name, err)
		}
		n.Scale = v
	}
	if s.Visible != nil {
		n.Visible = *s.Visible
	}

	for i := range s.Children {
		child, err := s.Children[i].build(mats)
		if err != nil {
			return nil, err
		}
		n.Add(child)
	}
	return n, nil
}
