// Package hcluster implements agglomerative hierarchical clustering of
// labelled position vectors and exposes the resulting leaf order.
package hcluster

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Distance names a vector distance function.
type Distance string

const (
	Euclidean Distance = "euclidean"
	Manhattan Distance = "manhattan"
	Max       Distance = "max"
)

// Linkage names the rule for the distance between two clusters.
type Linkage string

const (
	Average  Linkage = "average"
	Single   Linkage = "single"
	Complete Linkage = "complete"
)

// Item is one input point.
type Item struct {
	ID       int64
	Position []float64
}

// Options selects the distance and linkage. Zero values mean Euclidean and
// Average.
type Options struct {
	Distance Distance
	Linkage  Linkage
}

// Node is a cluster in the tree. Leaves carry an Item; inner nodes have both
// children and the linkage distance at which they were merged.
type Node struct {
	Left, Right *Node
	Item        *Item
	Size        int
	Height      float64
}

// IsLeaf reports whether n is an input item.
func (n *Node) IsLeaf() bool { return n.Item != nil }

// Tree is the result of Cluster. Root is nil for empty input.
type Tree struct {
	Root *Node
}

// Cluster builds the cluster tree of items.
//
// At every step the two closest clusters are merged; ties go to the pair with
// the lowest indices, and the lower-indexed cluster becomes the left child, so
// the result is deterministic for a given input order.
func Cluster(items []Item, opts Options) (*Tree, error) {
	dist, err := distanceFunc(opts.Distance)
	if err != nil {
		return nil, err
	}
	update, err := linkageFunc(opts.Linkage)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &Tree{}, nil
	}

	dim := len(items[0].Position)
	for _, it := range items[1:] {
		if len(it.Position) != dim {
			return nil, fmt.Errorf("item %d has %d dimensions, expected %d", it.ID, len(it.Position), dim)
		}
	}

	n := len(items)
	nodes := make([]*Node, n)
	for i := range items {
		it := items[i]
		nodes[i] = &Node{Item: &it, Size: 1}
	}

	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := dist(items[i].Position, items[j].Position)
			d[i][j], d[j][i] = v, v
		}
	}

	active := make([]bool, n)
	for i := range active {
		active[i] = true
	}

	for merges := 0; merges < n-1; merges++ {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && d[i][j] < best {
					best, bi, bj = d[i][j], i, j
				}
			}
		}
		if bi < 0 {
			// Only NaN distances remain; merge the first two active clusters.
			bi, bj = firstTwo(active)
			best = d[bi][bj]
		}

		left, right := nodes[bi], nodes[bj]
		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			v := update(d[k][bi], d[k][bj], left.Size, right.Size)
			d[k][bi], d[bi][k] = v, v
		}
		nodes[bi] = &Node{Left: left, Right: right, Size: left.Size + right.Size, Height: best}
		nodes[bj] = nil
		active[bj] = false
	}

	root, _ := firstTwo(active)
	return &Tree{Root: nodes[root]}, nil
}

// OrderedNodes returns the items in leaf order: a left-to-right traversal of
// the tree, which places similar items next to each other.
func (t *Tree) OrderedNodes() []Item {
	if t == nil || t.Root == nil {
		return nil
	}
	out := make([]Item, 0, t.Root.Size)
	stack := []*Node{t.Root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.IsLeaf() {
			out = append(out, *n.Item)
			continue
		}
		stack = append(stack, n.Right, n.Left)
	}
	return out
}

func firstTwo(active []bool) (int, int) {
	a, b := -1, -1
	for i, ok := range active {
		if !ok {
			continue
		}
		if a < 0 {
			a = i
		} else {
			b = i
			break
		}
	}
	return a, b
}

func distanceFunc(name Distance) (func(a, b []float64) float64, error) {
	var l float64
	switch name {
	case Euclidean, "":
		l = 2
	case Manhattan:
		l = 1
	case Max:
		l = math.Inf(1)
	default:
		return nil, fmt.Errorf("unknown distance %q", name)
	}
	return func(a, b []float64) float64 {
		if len(a) == 0 {
			return 0
		}
		return floats.Distance(a, b, l)
	}, nil
}

// linkageFunc returns the Lance-Williams update for the distance between a
// cluster k and the merge of clusters i and j.
func linkageFunc(name Linkage) (func(dki, dkj float64, ni, nj int) float64, error) {
	switch name {
	case Average, "":
		return func(dki, dkj float64, ni, nj int) float64 {
			return (float64(ni)*dki + float64(nj)*dkj) / float64(ni+nj)
		}, nil
	case Single:
		return func(dki, dkj float64, _, _ int) float64 { return math.Min(dki, dkj) }, nil
	case Complete:
		return func(dki, dkj float64, _, _ int) float64 { return math.Max(dki, dkj) }, nil
	default:
		return nil, fmt.Errorf("unknown linkage %q", name)
	}
}
