package alignment

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PropagateDerivatives extends sensor-level global derivatives to every
// ancestor of the sensor. labels must be the sensor's own labels in
// (tu, tv, tw, ru, rv, rw) order and ders has one row per measurement
// direction and six columns. The result holds the sensor columns followed by
// six columns per ancestor, nearest first: at each level the running row is
// multiplied by the C-matrix linking the level below to that ancestor.
func (t *Tree) PropagateDerivatives(sensor string, labels []int, ders mat.Matrix) ([]int, *mat.Dense, error) {
	n, err := t.Sensor(sensor)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) != NumDOF {
		return nil, nil, fmt.Errorf("%w: %d labels for sensor %q", ErrDimension, len(labels), sensor)
	}
	for i, l := range labels {
		if l != n.labels[i] {
			return nil, nil, fmt.Errorf("%w: label %d does not belong to %q", ErrUnknownSensor, l, sensor)
		}
	}
	rows, cols := ders.Dims()
	if cols != NumDOF {
		return nil, nil, fmt.Errorf("%w: derivatives have %d columns", ErrDimension, cols)
	}

	var chain []*Node
	for p := t.Parent(n); p != nil; p = t.Parent(p) {
		chain = append(chain, p)
	}

	outLabels := make([]int, 0, NumDOF*(1+len(chain)))
	outLabels = append(outLabels, labels...)
	out := mat.NewDense(rows, NumDOF*(1+len(chain)), nil)
	out.Slice(0, rows, 0, NumDOF).(*mat.Dense).Copy(ders)

	current := mat.DenseCopyOf(ders)
	child := t.byName[sensor]
	for level, p := range chain {
		c := p.cmatrix[childIndex(p, child)]
		var next mat.Dense
		next.Mul(current, c)
		col := NumDOF * (level + 1)
		out.Slice(0, rows, col, col+NumDOF).(*mat.Dense).Copy(&next)
		outLabels = append(outLabels, p.labels[:]...)
		current = &next
		child = t.byName[p.name]
	}
	return outLabels, out, nil
}

func childIndex(p *Node, child int) int {
	for i, c := range p.children {
		if c == child {
			return i
		}
	}
	panic(fmt.Sprintf("alignment: node %d not a child of %q", child, p.name))
}
