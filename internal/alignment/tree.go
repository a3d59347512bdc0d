package alignment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Node is one alignable volume: a sensor (leaf) or a composite structure.
// Nodes are owned by their Tree and are read-only once added.
type Node struct {
	name     string
	id       int
	half     Half
	position [3]float64
	rotation *mat.Dense
	labels   [NumDOF]int

	parent   int
	children []int
	// cmatrix[i] relates children[i] to this node.
	cmatrix []*mat.Dense
}

func (n *Node) Name() string         { return n.name }
func (n *Node) ID() int              { return n.id }
func (n *Node) Half() Half           { return n.half }
func (n *Node) Labels() [NumDOF]int  { return n.labels }
func (n *Node) Position() [3]float64 { return n.position }
func (n *Node) IsSensor() bool       { return len(n.children) == 0 }
func (n *Node) Rotation() mat.Matrix { return n.rotation }

func (n *Node) positionVec() *mat.VecDense {
	return mat.NewVecDense(3, []float64{n.position[0], n.position[1], n.position[2]})
}

// Tree is the alignment hierarchy. It is built bottom-up with AddSensor and
// AddStructure and only read afterwards; concurrent readers are safe once
// building is done.
type Tree struct {
	nodes   []*Node
	byName  map[string]int
	byLabel map[int]int
}

func NewTree() *Tree {
	return &Tree{
		byName:  make(map[string]int),
		byLabel: make(map[int]int),
	}
}

// AddSensor adds a leaf volume with its local-to-global rotation and global
// position.
func (t *Tree) AddSensor(name string, half Half, id int, position [3]float64, rotation mat.Matrix) error {
	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if half != Top && half != Bottom {
		return fmt.Errorf("alignment: sensor %q: invalid half %d", name, int(half))
	}
	if err := validID(id); err != nil {
		return fmt.Errorf("sensor %q: %w", name, err)
	}
	if r, c := rotation.Dims(); r != 3 || c != 3 {
		return fmt.Errorf("%w: sensor %q rotation is %dx%d", ErrDimension, name, r, c)
	}
	if math.Abs(mat.Det(rotation)) < 1e-9 {
		return fmt.Errorf("%w: sensor %q", ErrSingularFrame, name)
	}
	n := &Node{
		name:     name,
		id:       id,
		half:     half,
		position: position,
		rotation: mat.DenseCopyOf(rotation),
		labels:   SensorLabels(half, id),
		parent:   -1,
	}
	return t.add(n)
}

// AddStructure adds a composite volume over already added, unattached
// children. The first child is the reference: the structure takes its
// rotation and its labels re-based to id. The position is the mean of the
// children's positions.
func (t *Tree) AddStructure(name string, id int, children ...string) error {
	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if len(children) == 0 {
		return fmt.Errorf("%w: %q has no children", ErrUnknownStructure, name)
	}
	if err := validID(id); err != nil {
		return fmt.Errorf("structure %q: %w", name, err)
	}
	idx := make([]int, len(children))
	seen := make(map[int]bool, len(children))
	for i, c := range children {
		ci, ok := t.byName[c]
		if !ok {
			return fmt.Errorf("%w: %q child of %q", ErrUnknownStructure, c, name)
		}
		if t.nodes[ci].parent >= 0 || seen[ci] {
			return fmt.Errorf("%w: %q", ErrAlreadyAttached, c)
		}
		seen[ci] = true
		idx[i] = ci
	}

	ref := t.nodes[idx[0]]
	n := &Node{
		name:     name,
		id:       id,
		half:     ref.half,
		rotation: mat.DenseCopyOf(ref.rotation),
		parent:   -1,
		children: idx,
	}
	for i, l := range ref.labels {
		n.labels[i] = l - ref.id + id
	}
	for _, ci := range idx {
		for k := range n.position {
			n.position[k] += t.nodes[ci].position[k]
		}
	}
	for k := range n.position {
		n.position[k] /= float64(len(idx))
	}
	pos := n.positionVec()
	for _, ci := range idx {
		c := t.nodes[ci]
		n.cmatrix = append(n.cmatrix, FrameTransformDerivative(c.rotation, n.rotation, c.positionVec(), pos))
	}

	if err := t.add(n); err != nil {
		return err
	}
	self := t.byName[name]
	for _, ci := range idx {
		t.nodes[ci].parent = self
	}
	return nil
}

func (t *Tree) add(n *Node) error {
	for _, l := range n.labels {
		if other, ok := t.byLabel[l]; ok {
			return fmt.Errorf("%w: %d of %q already used by %q", ErrDuplicateLabel, l, n.name, t.nodes[other].name)
		}
	}
	i := len(t.nodes)
	t.nodes = append(t.nodes, n)
	t.byName[n.name] = i
	for _, l := range n.labels {
		t.byLabel[l] = i
	}
	return nil
}

// Len returns the number of nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// Nodes returns the nodes in insertion order.
func (t *Tree) Nodes() []*Node {
	out := make([]*Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Node looks a volume up by name.
func (t *Tree) Node(name string) (*Node, error) {
	i, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStructure, name)
	}
	return t.nodes[i], nil
}

// Sensor looks a leaf volume up by name.
func (t *Tree) Sensor(name string) (*Node, error) {
	i, ok := t.byName[name]
	if !ok || !t.nodes[i].IsSensor() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSensor, name)
	}
	return t.nodes[i], nil
}

// SensorByID finds the sensor with the given half and millepede id.
func (t *Tree) SensorByID(half Half, id int) (*Node, error) {
	i, ok := t.byLabel[Label(half, Translation, 1, id)]
	if !ok || !t.nodes[i].IsSensor() {
		return nil, fmt.Errorf("%w: %s id %d", ErrUnknownSensor, half, id)
	}
	return t.nodes[i], nil
}

// Parent returns the parent of a node, or nil for a root.
func (t *Tree) Parent(n *Node) *Node {
	if n.parent < 0 {
		return nil
	}
	return t.nodes[n.parent]
}

// Children returns the direct children of n in reference order.
func (t *Tree) Children(n *Node) []*Node {
	out := make([]*Node, len(n.children))
	for i, ci := range n.children {
		out[i] = t.nodes[ci]
	}
	return out
}

// Ancestors returns the chain from the parent of name up to its root.
func (t *Tree) Ancestors(name string) ([]*Node, error) {
	n, err := t.Node(name)
	if err != nil {
		return nil, err
	}
	var out []*Node
	for p := t.Parent(n); p != nil; p = t.Parent(p) {
		out = append(out, p)
	}
	return out, nil
}

// CMatrix returns the cached C-matrix between a structure and one of its
// direct children.
func (t *Tree) CMatrix(parent, child string) (*mat.Dense, error) {
	p, err := t.Node(parent)
	if err != nil {
		return nil, err
	}
	ci, ok := t.byName[child]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStructure, child)
	}
	for i, c := range p.children {
		if c == ci {
			return p.cmatrix[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not a child of %q", ErrUnknownStructure, child, parent)
}
