package query

// node is one segment of the key hierarchy. An entry lives on the node
// reached by walking all of its segments.
type node struct {
	children map[string]*node
	entry    *entry
}

func newNode() *node {
	return &node{}
}

func (n *node) insert(segs []string, e *entry) {
	cur := n
	for _, seg := range segs {
		if cur.children == nil {
			cur.children = make(map[string]*node)
		}
		next, ok := cur.children[seg]
		if !ok {
			next = newNode()
			cur.children[seg] = next
		}
		cur = next
	}
	cur.entry = e
}

func (n *node) find(segs []string) *node {
	cur := n
	for _, seg := range segs {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// remove detaches the entry stored at segs and prunes empty branches.
func (n *node) remove(segs []string) {
	if len(segs) == 0 {
		n.entry = nil
		return
	}

	child, ok := n.children[segs[0]]
	if !ok {
		return
	}

	child.remove(segs[1:])
	if child.entry == nil && len(child.children) == 0 {
		delete(n.children, segs[0])
	}
}

// collect appends every entry at or below the node reached by prefix.
func (n *node) collect(prefix []string, out []*entry) []*entry {
	start := n.find(prefix)
	if start == nil {
		return out
	}
	return start.walk(out)
}

func (n *node) walk(out []*entry) []*entry {
	if n.entry != nil {
		out = append(out, n.entry)
	}
	for _, child := range n.children {
		out = child.walk(out)
	}
	return out
}
