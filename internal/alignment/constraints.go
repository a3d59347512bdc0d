package alignment

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Negligible-coefficient thresholds used by the two constraint generators.
const (
	ThresholdStructureBuilder = 5e-4
	ThresholdAlignmentDriver  = 1e-6
)

const constraintHeader = "!Constraint file for HPS MPII Alignment"

// ConstraintOptions controls which coefficients are written. Precision is
// the number of decimals kept (half-up rounding); a negative value keeps
// full precision.
type ConstraintOptions struct {
	Threshold float64
	Precision int
}

// DefaultConstraintOptions returns the alignment driver threshold with four
// decimals.
func DefaultConstraintOptions() ConstraintOptions {
	return ConstraintOptions{Threshold: ThresholdAlignmentDriver, Precision: 4}
}

// Term is one label·coefficient summand.
type Term struct {
	Label       int
	Coefficient float64
}

// Constraint states that one rigid-body parameter of a structure is the sum
// of its terms over the children's parameters, written as 0 = Σ terms.
type Constraint struct {
	Structure string
	DOF       int
	Terms     []Term
}

func (c Constraint) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s:", c.Structure, DOFName(c.DOF))
	for i, t := range c.Terms {
		if i > 0 {
			b.WriteString(" +")
		}
		fmt.Fprintf(&b, " %d * %s", t.Label, formatCoefficient(t.Coefficient))
	}
	return b.String()
}

// ComputeConstraints returns six constraints per composite structure, in
// insertion order. For every child the inverse of its C-matrix supplies the
// coefficient of the child's parameters; coefficients whose magnitude is
// below the threshold before or after rounding are dropped.
func (t *Tree) ComputeConstraints(opts ConstraintOptions) ([]Constraint, error) {
	var out []Constraint
	for _, n := range t.nodes {
		if n.IsSensor() {
			continue
		}
		cs := make([]Constraint, NumDOF)
		for ic := range cs {
			cs[ic] = Constraint{Structure: n.name, DOF: ic}
		}
		for i, ci := range n.children {
			child := t.nodes[ci]
			var inv mat.Dense
			if err := inv.Inverse(n.cmatrix[i]); err != nil {
				var cond mat.Condition
				if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
					return nil, fmt.Errorf("%w: C-matrix of %q in %q: %v", ErrSingularFrame, child.name, n.name, err)
				}
			}
			for ic := 0; ic < NumDOF; ic++ {
				for icol := 0; icol < NumDOF; icol++ {
					v := inv.At(ic, icol)
					if math.Abs(v) < opts.Threshold {
						continue
					}
					// a term rounded to zero would be written as "0" and
					// fall below the threshold
					r := roundHalfUp(v, opts.Precision)
					if math.Abs(r) < opts.Threshold || r == 0 {
						continue
					}
					cs[ic].Terms = append(cs[ic].Terms, Term{Label: child.labels[icol], Coefficient: r})
				}
			}
		}
		out = append(out, cs...)
	}
	return out, nil
}

// WriteConstraints writes constraints in the Millepede-II text format.
// Constraints without terms are skipped.
func WriteConstraints(w io.Writer, constraints []Constraint) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n\n", constraintHeader)
	for _, c := range constraints {
		if len(c.Terms) == 0 {
			continue
		}
		fmt.Fprintf(bw, "\nConstraint 0.0    !%s !%s\n", c.Structure, DOFName(c.DOF))
		for _, t := range c.Terms {
			fmt.Fprintf(bw, "%d %s\n", t.Label, formatCoefficient(t.Coefficient))
		}
	}
	return bw.Flush()
}

func formatCoefficient(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// roundHalfUp rounds the shortest decimal representation of v to places
// decimals, ties away from zero.
func roundHalfUp(v float64, places int) float64 {
	if places < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	s := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) <= places {
		return v
	}
	n, ok := new(big.Int).SetString(whole+frac[:places], 10)
	if !ok {
		return v
	}
	if frac[places] >= '5' {
		n.Add(n, big.NewInt(1))
	}
	digits := n.String()
	if len(digits) <= places {
		digits = strings.Repeat("0", places-len(digits)+1) + digits
	}
	if places > 0 {
		digits = digits[:len(digits)-places] + "." + digits[len(digits)-places:]
	}
	r, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return v
	}
	if v < 0 {
		return -r
	}
	return r
}
