// Package scene holds the scene graph the twin engine puppets, the object
// index built over it, and the loaders that construct both.
package scene

import "github.com/go-gl/mathgl/mgl64"

// Node is one element of the scene graph. A node with a Mesh is renderable;
// a node without one only groups children.
//
// Nodes are mutated only from the tick goroutine.
type Node struct {
	Name     string
	Mesh     string
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Scale    mgl64.Vec3
	Visible  bool
	Material *Material

	ownsMaterial bool
	parent       *Node
	children     []*Node
}

// NewGroup returns a non-renderable node at the origin.
func NewGroup(name string) *Node {
	return &Node{
		Name:     name,
		Rotation: mgl64.QuatIdent(),
		Scale:    mgl64.Vec3{1, 1, 1},
		Visible:  true,
	}
}

// NewMesh returns a renderable node referencing mat. The material is
// treated as shared until the node takes ownership of it.
func NewMesh(name, mesh string, mat *Material) *Node {
	n := NewGroup(name)
	n.Mesh = mesh
	n.Material = mat
	return n
}

// Add attaches child under n, detaching it from any previous parent.
func (n *Node) Add(child *Node) {
	if child.parent != nil {
		child.parent.remove(child)
	}
	child.parent = n
	n.children = append(n.children, child)
}

func (n *Node) remove(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			return
		}
	}
}

func (n *Node) Parent() *Node     { return n.parent }
func (n *Node) Children() []*Node { return n.children }
func (n *Node) Renderable() bool  { return n.Mesh != "" }

// Traverse visits n and its descendants depth-first, parents before
// children, children in insertion order.
func (n *Node) Traverse(fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		c.Traverse(fn)
	}
}

// SetEuler sets the rotation from XYZ Euler angles in radians.
func (n *Node) SetEuler(x, y, z float64) {
	n.Rotation = mgl64.AnglesToQuat(x, y, z, mgl64.XYZ)
}

// OwnsMaterial reports whether the node holds an exclusive material copy.
func (n *Node) OwnsMaterial() bool { return n.ownsMaterial }

// OwnMaterial replaces a possibly shared material with a private clone the
// first time it is called and reports whether a clone was made. Later calls
// are no-ops. Nodes without a material never take ownership.
func (n *Node) OwnMaterial() bool {
	if n.ownsMaterial || n.Material == nil {
		return false
	}
	n.Material = n.Material.Clone()
	n.ownsMaterial = true
	return true
}
