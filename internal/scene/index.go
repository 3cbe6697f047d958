package scene

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// StaticPrefix marks load-bearing geometry that is never an update target.
const StaticPrefix = "Static_"

// Index maps twin ids to live nodes. It is built once per scene and never
// changes afterwards.
type Index struct {
	objects map[string]*Node
	digest  string
}

// NormalizeID returns the canonical form used for index keys and lookups.
func NormalizeID(id string) string {
	return norm.NFC.String(id)
}

// Indexable reports whether n is an addressable twin target: renderable,
// named, and not static.
func Indexable(n *Node) bool {
	return n.Renderable() && n.Name != "" && !strings.HasPrefix(n.Name, StaticPrefix)
}

// BuildIndex walks root depth-first. Children of a static node are still
// visited. When two nodes share a name the later one in traversal order wins.
func BuildIndex(root *Node) *Index {
	x := &Index{objects: make(map[string]*Node, 16)}
	if root != nil {
		root.Traverse(func(n *Node) {
			if Indexable(n) {
				x.objects[NormalizeID(n.Name)] = n
			}
		})
	}
	x.digest = digest(x.IDs())
	return x
}

// Object returns the node registered under id.
func (x *Index) Object(id string) (*Node, bool) {
	if x == nil {
		return nil, false
	}
	n, ok := x.objects[NormalizeID(id)]
	return n, ok
}

func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.objects)
}

// IDs returns the indexed ids in sorted order.
func (x *Index) IDs() []string {
	if x == nil {
		return nil
	}
	ids := make([]string, 0, len(x.objects))
	for id := range x.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Each visits every indexed node in id order.
func (x *Index) Each(fn func(id string, n *Node)) {
	for _, id := range x.IDs() {
		fn(id, x.objects[id])
	}
}

// Digest identifies the set of addressable ids. Two scenes with the same
// digest accept the same payloads.
func (x *Index) Digest() string {
	if x == nil {
		return digest(nil)
	}
	return x.digest
}

func digest(ids []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}
