package gbl

import (
	"fmt"
	"io"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/brokenlines/internal/mille"
)

// Residual is the fit result for one data block of a point.
type Residual struct {
	Value      float64 // measurement (or kink) minus prediction
	MeasError  float64 // 1/sqrt(precision)
	ResError   float64 // error of Value
	DownWeight float64
}

// Results returns the corrections to the local parameters (5 track
// parameters followed by the additional local parameters) and their
// covariance at the point with the signed label (<0: in front of the
// point, >0: after it).
func (t *Trajectory) Results(signedLabel int) (*mat.VecDense, *mat.SymDense, error) {
	if !t.fitOK {
		return nil, nil, ErrNotFitted
	}
	index, jac, err := t.jacobian(signedLabel)
	if err != nil {
		return nil, nil, err
	}
	x := make([]float64, len(index))
	for i, idx := range index {
		x[i] = t.solution[idx-1]
	}
	var par mat.VecDense
	par.MulVec(jac, mat.NewVecDense(len(x), x))
	return &par, similarity(jac, t.matrix.blockMatrix(index)), nil
}

// MeasResults returns the residuals of the measurement at label in the
// frame of its diagonalized precision. Rows with zero precision are
// omitted. A point without measurement yields no residuals.
func (t *Trajectory) MeasResults(label int) ([]Residual, error) {
	if err := t.checkResultLabel(label); err != nil {
		return nil, err
	}
	r := t.measRange[label]
	return t.residuals(t.data[r[0]:r[1]]), nil
}

// ScatResults returns the kink residuals of the scatterer at label.
func (t *Trajectory) ScatResults(label int) ([]Residual, error) {
	if err := t.checkResultLabel(label); err != nil {
		return nil, err
	}
	r := t.scatRange[label]
	return t.residuals(t.data[r[0]:r[1]]), nil
}

// UnbiasedMeasResults returns the residuals of the measurement at label
// with respect to a fit that excludes that measurement. The residual error
// adds the measurement and fit variances.
func (t *Trajectory) UnbiasedMeasResults(label int) ([]Residual, error) {
	if err := t.checkResultLabel(label); err != nil {
		return nil, err
	}
	r := t.measRange[label]
	blocks := t.data[r[0]:r[1]]
	if len(blocks) == 0 {
		return nil, nil
	}
	vector, matrix := t.buildSystem(func(d *dataBlock) bool {
		return d.kind == DataMeasurement && d.label == label
	})
	x, err := matrix.solveAndInvert(vector)
	if err != nil {
		return nil, fmt.Errorf("unbiased refit without label %d: %w", label, err)
	}
	out := make([]Residual, len(blocks))
	for i, d := range blocks {
		var pred float64
		for j, idx := range d.parameters {
			pred += d.derivatives[j] * x[idx-1]
		}
		measVar := 1 / d.precision
		fitVar := fitVariance(matrix, d)
		out[i] = Residual{
			Value:      d.value - pred,
			MeasError:  math.Sqrt(measVar),
			ResError:   math.Sqrt(measVar + fitVar),
			DownWeight: d.downWeight,
		}
	}
	return out, nil
}

func (t *Trajectory) checkResultLabel(label int) error {
	if !t.fitOK {
		return ErrNotFitted
	}
	if label < 1 || label > len(t.points) {
		return fmt.Errorf("label %d: %w", label, ErrLabelOutOfRange)
	}
	return nil
}

func (t *Trajectory) residuals(blocks []*dataBlock) []Residual {
	out := make([]Residual, len(blocks))
	for i, d := range blocks {
		measVar := 1 / d.precision
		fitVar := fitVariance(t.matrix, d)
		resErr := 0.0
		if fitVar < measVar {
			resErr = math.Sqrt(measVar - fitVar)
		}
		out[i] = Residual{
			Value:      d.value - d.prediction,
			MeasError:  math.Sqrt(measVar),
			ResError:   resErr,
			DownWeight: d.downWeight,
		}
	}
	return out
}

// fitVariance returns dᵀ C d for the block derivatives d.
func fitVariance(m *borderedBandMatrix, d *dataBlock) float64 {
	cov := m.blockMatrix(d.parameters)
	if cov == nil {
		return 0
	}
	der := mat.NewVecDense(len(d.derivatives), d.derivatives)
	return mat.Inner(der, cov, der)
}

// similarity returns A S Aᵀ.
func similarity(a mat.Matrix, s mat.Symmetric) *mat.SymDense {
	r, _ := a.Dims()
	out := mat.NewSymDense(r, nil)
	if s == nil {
		return out
	}
	var tmp, full mat.Dense
	tmp.Mul(a, s)
	full.Mul(&tmp, a.T())
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			out.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
	return out
}

// Labels returns the point labels in trajectory order.
func (t *Trajectory) Labels() []int {
	labels := make([]int, len(t.points))
	for i, p := range t.points {
		labels[i] = p.label
	}
	return labels
}

// MilleOut writes all data blocks of the trajectory as one Millepede-II
// record.
func (t *Trajectory) MilleOut(w *mille.Writer) error {
	if !t.constructOK {
		return ErrInvalidTrajectory
	}
	for _, d := range t.data {
		w.AddData(d.value, 1/math.Sqrt(d.precision),
			d.parameters, d.derivatives, d.globalLabels, d.globalDerivatives)
	}
	return w.WriteRecord()
}

func (t *Trajectory) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GBL trajectory: %d points, %d offsets, %d parameters, %d measurements, %d data blocks",
		len(t.points), t.numOffsets, t.numParameters, t.numMeasurements, len(t.data))
	if t.externalPoint != 0 {
		fmt.Fprintf(&b, ", seed at %d", t.externalPoint)
	}
	switch {
	case t.fitOK:
		fmt.Fprintf(&b, ", fitted chi2 %.4g ndf %d", t.chi2, t.ndf)
	case t.constructOK:
		b.WriteString(", constructed")
	default:
		b.WriteString(", invalid")
	}
	return b.String()
}

// Dump writes the trajectory, its points and data blocks. Level > 0 adds
// the fit parameters.
func (t *Trajectory) Dump(w io.Writer, level int) error {
	var b strings.Builder
	b.WriteString(t.String())
	b.WriteByte('\n')
	if t.err != nil {
		fmt.Fprintf(&b, " error: %v\n", t.err)
	}
	b.WriteString("points\n")
	for _, p := range t.points {
		if p == nil {
			continue
		}
		fmt.Fprintf(&b, " %s\n", p)
	}
	b.WriteString("data blocks\n")
	for _, d := range t.data {
		fmt.Fprintf(&b, " %s\n", d)
	}
	if level > 0 && t.fitOK {
		b.WriteString("fit parameters\n")
		for i, x := range t.solution {
			fmt.Fprintf(&b, " %4d %14.6g\n", i+1, x)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
