package reconstruct

import (
	"fmt"
	"strconv"
	"strings"

	"cellpop/internal/lineage"
)

// Node is one cell in a lineage tree. Length is the cell's lifespan in hours.
// Internal nodes have exactly two children.
type Node struct {
	Name       string          `json:"name"`
	Generation int             `json:"generation"`
	Index      int             `json:"index"`
	Lineage    lineage.Lineage `json:"lineage"`
	Length     float64         `json:"length"`
	Children   []*Node         `json:"children,omitempty"`
}

func nodeName(generation, index int) string {
	return "g" + strconv.Itoa(generation) + "c" + strconv.Itoa(index)
}

// BuildTree builds the bifurcating tree below a founder. A founder whose
// lineage never divides is a single leaf.
func (r *Reconstructor) BuildTree(founder int) (*Node, error) {
	root, err := r.founder(founder)
	if err != nil {
		return nil, err
	}
	return r.node(root.Lineage), nil
}

func (r *Reconstructor) node(l lineage.Lineage) *Node {
	cell, ref, ok := r.lookup(l)
	if !ok {
		return nil
	}
	n := &Node{
		Name:       nodeName(ref.generation, ref.index),
		Generation: ref.generation,
		Index:      ref.index,
		Lineage:    cell.Lineage,
		Length:     Lifespan(cell, r.markers),
	}
	left := r.node(l.Child(1))
	right := r.node(l.Child(2))
	if left != nil && right != nil {
		n.Children = []*Node{left, right}
	}
	return n
}

func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

func (n *Node) LeafCount() int {
	if n.IsLeaf() {
		return 1
	}
	count := 0
	for _, c := range n.Children {
		count += c.LeafCount()
	}
	return count
}

// Depth is the number of divisions on the longest root-to-leaf path.
func (n *Node) Depth() int {
	depth := 0
	for _, c := range n.Children {
		if d := c.Depth() + 1; d > depth {
			depth = d
		}
	}
	return depth
}

// Find returns the path of nodes from n down to the named node.
func (n *Node) Find(name string) []*Node {
	if n.Name == name {
		return []*Node{n}
	}
	for _, c := range n.Children {
		if path := c.Find(name); path != nil {
			return append([]*Node{n}, path...)
		}
	}
	return nil
}

// Distance is the patristic distance between two named nodes: the summed
// lifespans on the path joining them, excluding their common ancestor.
func (n *Node) Distance(a, b string) (float64, error) {
	pa := n.Find(a)
	if pa == nil {
		return 0, fmt.Errorf("%w: %s", ErrCellNotFound, a)
	}
	pb := n.Find(b)
	if pb == nil {
		return 0, fmt.Errorf("%w: %s", ErrCellNotFound, b)
	}
	common := 0
	for common < len(pa) && common < len(pb) && pa[common] == pb[common] {
		common++
	}
	dist := 0.0
	for _, node := range pa[common:] {
		dist += node.Length
	}
	for _, node := range pb[common:] {
		dist += node.Length
	}
	return dist, nil
}

// Newick renders the tree in Newick format, terminated by a semicolon.
func (n *Node) Newick() string {
	var b strings.Builder
	n.writeNewick(&b)
	b.WriteByte(';')
	return b.String()
}

func (n *Node) writeNewick(b *strings.Builder) {
	if !n.IsLeaf() {
		b.WriteByte('(')
		for i, c := range n.Children {
			if i > 0 {
				b.WriteByte(',')
			}
			c.writeNewick(b)
		}
		b.WriteByte(')')
	}
	b.WriteString(n.Name)
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(n.Length, 'f', -1, 64))
}

// Forest is the population dendrogram: one tree per founder.
type Forest struct {
	Trees []*Node `json:"trees"`
}

func (r *Reconstructor) BuildForest() (Forest, error) {
	var forest Forest
	for _, f := range r.Founders() {
		tree, err := r.BuildTree(f)
		if err != nil {
			return Forest{}, err
		}
		forest.Trees = append(forest.Trees, tree)
	}
	return forest, nil
}

func (f Forest) LeafCount() int {
	count := 0
	for _, t := range f.Trees {
		count += t.LeafCount()
	}
	return count
}

// Newick joins the founder trees under an unnamed root.
func (f Forest) Newick() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, t := range f.Trees {
		if i > 0 {
			b.WriteByte(',')
		}
		t.writeNewick(&b)
	}
	b.WriteString(");")
	return b.String()
}
