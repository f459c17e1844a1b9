package tctm

import (
	"sync"

	"example.com/stixgate/internal/idb"
)

// MaxParameters bounds the number of descriptors attached to the root scope.
const MaxParameters = 1024

// Node is one template entry. The root node has a zero descriptor.
type Node struct {
	Desc     idb.Descriptor
	Children []*Node
}

// Tree is the immutable parse template of one packet type. Runtime repeat
// counts are never stored in it, so a Tree can be walked concurrently.
type Tree struct {
	Root *Node
	// MinLength is the byte count of all byte aligned fields in the layout.
	MinLength int
	Size      int
}

type scope struct {
	node    *Node
	counter int
}

// BuildTree nests descriptors under the group heads that own them. Each
// descriptor consumes one slot of every open scope; scopes that run out are
// closed before the descriptor is attached.
func BuildTree(descs []idb.Descriptor) *Tree {
	root := &Node{}
	t := &Tree{Root: root}
	stack := []scope{{node: root, counter: MaxParameters}}
	for _, d := range descs {
		for i := range stack {
			stack[i].counter--
		}
		for len(stack) > 1 && stack[len(stack)-1].counter < 0 {
			stack = stack[:len(stack)-1]
		}
		parent := stack[len(stack)-1].node
		node := &Node{Desc: d}
		parent.Children = append(parent.Children, node)
		t.Size++
		if d.Width%8 == 0 {
			t.MinLength += d.Width / 8
		}
		if d.GroupSize > 0 {
			stack = append(stack, scope{node: node, counter: d.GroupSize})
		}
	}
	return t
}

type treeKey struct {
	spid int
	name string
}

// TreeCache holds built templates keyed by SPID or telecommand name. It is
// safe for concurrent use.
type TreeCache struct {
	mu    sync.RWMutex
	trees map[treeKey]*Tree
}

func NewTreeCache() *TreeCache {
	return &TreeCache{trees: make(map[treeKey]*Tree)}
}

// Variable returns the template of a variable telemetry packet, building it
// on first use.
func (c *TreeCache) Variable(spid int, lookup idb.Lookup) (*Tree, bool) {
	key := treeKey{spid: spid}
	if t, ok := c.get(key); ok {
		return t, true
	}
	descs, ok := lookup.VariableLayout(spid)
	if !ok {
		return nil, false
	}
	return c.put(key, BuildTree(descs)), true
}

// Telecommand returns the template of a variable telecommand.
func (c *TreeCache) Telecommand(tc idb.Telecommand) *Tree {
	key := treeKey{spid: -1, name: tc.Name}
	if t, ok := c.get(key); ok {
		return t
	}
	return c.put(key, BuildTree(tc.Parameters))
}

func (c *TreeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trees)
}

func (c *TreeCache) get(key treeKey) (*Tree, bool) {
	c.mu.RLock()
	t, ok := c.trees[key]
	c.mu.RUnlock()
	return t, ok
}

func (c *TreeCache) put(key treeKey, t *Tree) *Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.trees[key]; ok {
		return existing
	}
	c.trees[key] = t
	return t
}
