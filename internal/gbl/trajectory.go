package gbl

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/brokenlines/internal/monitoring"
)

// offsetDim is the number of active offset directions (u1, u2).
const offsetDim = 2

// Trajectory is a General Broken Lines trajectory: an ordered list of
// points with offsets at the end points and at every interior scatterer.
// A Trajectory is not safe for concurrent use.
type Trajectory struct {
	points []*Point

	numOffsets      int
	numCurvature    int
	numLocals       int
	numParameters   int
	numMeasurements int

	externalPoint int // signed label of the external seed, 0 if none
	externalSeed  *mat.SymDense

	constructOK bool
	fitOK       bool
	err         error

	data      []*dataBlock
	measRange [][2]int // per label, data indices [start, end) of measurement blocks
	scatRange [][2]int // per label, kink blocks

	solution []float64
	matrix   *borderedBandMatrix

	chi2       float64
	ndf        int
	lostWeight float64
}

// Option configures a trajectory at construction.
type Option func(*Trajectory)

// WithoutCurvature fits a straight line without the q/p parameter.
func WithoutCurvature() Option {
	return func(t *Trajectory) { t.numCurvature = 0 }
}

// WithExternalSeed adds an external seed with the given precision for the
// local parameters at the signed label (<0: in front of the point, >0:
// after it; the slope changes at a scatterer).
func WithExternalSeed(signedLabel int, precision *mat.SymDense) Option {
	return func(t *Trajectory) {
		t.externalPoint = signedLabel
		t.externalSeed = precision
	}
}

// NewTrajectory constructs a trajectory from points in arc-length order.
// Construction failures leave the trajectory invalid; see IsValid and Err.
func NewTrajectory(points []*Point, opts ...Option) *Trajectory {
	t := &Trajectory{
		points:       points,
		numCurvature: 1,
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.construct(); err != nil {
		t.err = err
		monitoring.Logf("gbl: trajectory construction failed: %v", err)
	}
	return t
}

// IsValid reports whether construction succeeded.
func (t *Trajectory) IsValid() bool { return t.constructOK }

// Err returns the construction error, if any.
func (t *Trajectory) Err() error { return t.err }

func (t *Trajectory) NumPoints() int       { return len(t.points) }
func (t *Trajectory) NumOffsets() int      { return t.numOffsets }
func (t *Trajectory) NumParameters() int   { return t.numParameters }
func (t *Trajectory) NumMeasurements() int { return t.numMeasurements }
func (t *Trajectory) NumData() int         { return len(t.data) }

// Points returns the points of the trajectory.
func (t *Trajectory) Points() []*Point { return t.points }

func (t *Trajectory) construct() error {
	t.constructOK = false
	t.fitOK = false
	if len(t.points) < 2 {
		return fmt.Errorf("%d points: %w", len(t.points), ErrTooFewPoints)
	}
	t.numLocals = 0
	t.numMeasurements = 0
	for i, p := range t.points {
		if p == nil {
			return fmt.Errorf("point %d is nil: %w", i+1, ErrInvalidTrajectory)
		}
		p.label = i + 1
		p.prevJacobian = nil
		p.nextJacobian = nil
		t.numLocals = max(t.numLocals, p.NumLocals())
		if p.HasMeasurement() {
			t.numMeasurements++
		}
	}
	if t.externalPoint != 0 {
		if t.externalSeed == nil {
			return fmt.Errorf("external seed without precision: %w", ErrDimension)
		}
		if l := abs(t.externalPoint); l > len(t.points) {
			return fmt.Errorf("external seed at label %d: %w", t.externalPoint, ErrLabelOutOfRange)
		}
		if n := t.externalSeed.SymmetricDim(); n != 5+t.numLocals {
			return fmt.Errorf("external seed dimension %d, want %d: %w", n, 5+t.numLocals, ErrDimension)
		}
	}
	t.defineOffsets()
	if err := t.calcJacobians(); err != nil {
		return err
	}
	t.numParameters = t.numOffsets*offsetDim + t.numCurvature + t.numLocals
	if err := t.prepare(); err != nil {
		return err
	}
	t.constructOK = true
	monitoring.Debugf("gbl: constructed %d points, %d offsets, %d parameters, %d data blocks",
		len(t.points), t.numOffsets, t.numParameters, len(t.data))
	return nil
}

// defineOffsets places offsets at both end points and at every interior
// scatterer. Other points store the negated count of offsets before them.
func (t *Trajectory) defineOffsets() {
	n := len(t.points)
	t.numOffsets = 0
	t.points[0].offset = t.numOffsets
	t.numOffsets++
	for _, p := range t.points[1 : n-1] {
		if p.scatEnabled {
			p.offset = t.numOffsets
			t.numOffsets++
		} else {
			p.offset = -t.numOffsets
		}
	}
	t.points[n-1].offset = t.numOffsets
	t.numOffsets++
}

// calcJacobians chains the point-to-point Jacobians into Jacobians to the
// previous and next offset of every point.
func (t *Trajectory) calcJacobians() error {
	n := len(t.points)

	// forward: every point gets the Jacobian from the previous offset
	prevOffset := t.points[0]
	var scat *mat.Dense
	for _, p := range t.points[1:] {
		if scat == nil {
			scat = mat.DenseCopyOf(p.p2pJacobian)
		} else {
			var next mat.Dense
			next.Mul(p.p2pJacobian, scat)
			scat = &next
		}
		if err := p.addPrevJacobian(scat); err != nil {
			return err
		}
		if p.offset >= 0 {
			prevOffset.addNextJacobian(scat)
			prevOffset = p
			scat = nil
		}
	}

	// backward: interpolated points get the Jacobian to the next offset
	for i := n - 1; i > 0; i-- {
		p := t.points[i]
		if p.offset >= 0 {
			scat = mat.DenseCopyOf(p.p2pJacobian)
			continue
		}
		p.addNextJacobian(scat)
		var next mat.Dense
		next.Mul(scat, p.p2pJacobian)
		scat = &next
	}
	return nil
}

// fitToLocalJacobian returns the labels and the Jacobian from fit
// parameters to the local parameters at p. For measDim <= 2 only the
// offset rows are computed. nJacobian selects the second offset of a point
// that owns one (0: previous, 1: next).
func (t *Trajectory) fitToLocalJacobian(p *Point, measDim, nJacobian int) ([5]int, *mat.Dense, error) {
	var labDer [5]int
	matDer := mat.NewDense(5, 5, nil)
	nCurv, nLocals := t.numCurvature, t.numLocals

	if p.offset < 0 {
		prevW, prevWJ, prevWd, err := p.derivatives(0)
		if err != nil {
			return labDer, nil, err
		}
		nextW, nextWJ, nextWd, err := p.derivatives(1)
		if err != nil {
			return labDer, nil, err
		}
		var sumWJ mat.Dense
		sumWJ.Add(prevWJ, nextWJ)
		matN, err := invert2(&sumWJ)
		if err != nil {
			return labDer, nil, fmt.Errorf("point %d interpolation: %w", p.label, err)
		}
		var prevNW, nextNW mat.Dense
		prevNW.Mul(matN, prevW)
		nextNW.Mul(matN, nextW)
		prevNd := mulVec2(matN, prevWd)
		nextNd := mulVec2(matN, nextWd)

		iOff := offsetDim*(-p.offset-1) + nLocals + nCurv + 1
		if nCurv > 0 {
			matDer.Set(3, 0, -prevNd[0]-nextNd[0])
			matDer.Set(4, 0, -prevNd[1]-nextNd[1])
			labDer[0] = nLocals + 1
		}
		matDer.Slice(3, 5, 1, 3).(*mat.Dense).Copy(&prevNW)
		matDer.Slice(3, 5, 3, 5).(*mat.Dense).Copy(&nextNW)
		for i := 0; i < offsetDim; i++ {
			labDer[1+i] = iOff + i
			labDer[3+i] = iOff + offsetDim + i
		}

		if measDim > 2 {
			// slopes
			var prevWPN, nextWPN mat.Dense
			prevWPN.Mul(nextWJ, &prevNW)
			nextWPN.Mul(prevWJ, &nextNW)
			prevWNd := mulVec2(nextWJ, prevNd)
			nextWNd := mulVec2(prevWJ, nextNd)
			if nCurv > 0 {
				matDer.Set(0, 0, 1)
				matDer.Set(1, 0, prevWNd[0]-nextWNd[0])
				matDer.Set(2, 0, prevWNd[1]-nextWNd[1])
			}
			prevWPN.Scale(-1, &prevWPN)
			matDer.Slice(1, 3, 1, 3).(*mat.Dense).Copy(&prevWPN)
			matDer.Slice(1, 3, 3, 5).(*mat.Dense).Copy(&nextWPN)
		}
		return labDer, matDer, nil
	}

	// at an offset: indices must stay sorted
	// forward : iOff2 = iOff1 + dim, index1 = 1, index2 = 3
	// backward: iOff2 = iOff1 - dim, index1 = 3, index2 = 1
	iOff1 := offsetDim*p.offset + nCurv + nLocals + 1
	index1 := 3 - 2*nJacobian
	iOff2 := iOff1 + offsetDim*(2*nJacobian-1)
	index2 := 1 + 2*nJacobian
	matDer.Set(3, index1, 1)
	matDer.Set(4, index1+1, 1)
	for i := 0; i < offsetDim; i++ {
		labDer[index1+i] = iOff1 + i
	}

	if measDim > 2 {
		w, wj, wd, err := p.derivatives(nJacobian)
		if err != nil {
			return labDer, nil, err
		}
		sign := -1.0
		if nJacobian > 0 {
			sign = 1.0
		}
		if nCurv > 0 {
			matDer.Set(0, 0, 1)
			matDer.Set(1, 0, -sign*wd[0])
			matDer.Set(2, 0, -sign*wd[1])
			labDer[0] = nLocals + 1
		}
		var swj, sw mat.Dense
		swj.Scale(-sign, wj)
		sw.Scale(sign, w)
		matDer.Slice(1, 3, index1, index1+2).(*mat.Dense).Copy(&swj)
		matDer.Slice(1, 3, index2, index2+2).(*mat.Dense).Copy(&sw)
		for i := 0; i < offsetDim; i++ {
			labDer[index2+i] = iOff2 + i
		}
	}
	return labDer, matDer, nil
}

// fitToKinkJacobian returns the labels and the 2x7 Jacobian from fit
// parameters to the kink at a scatterer with its own offset.
func (t *Trajectory) fitToKinkJacobian(p *Point) ([7]int, *mat.Dense, error) {
	var labDer [7]int
	matDer := mat.NewDense(2, 7, nil)
	nCurv, nLocals := t.numCurvature, t.numLocals

	prevW, prevWJ, prevWd, err := p.derivatives(0)
	if err != nil {
		return labDer, nil, err
	}
	nextW, nextWJ, nextWd, err := p.derivatives(1)
	if err != nil {
		return labDer, nil, err
	}
	var sumWJ mat.Dense
	sumWJ.Add(prevWJ, nextWJ)
	sumWJ.Scale(-1, &sumWJ)

	iOff := (p.offset-1)*offsetDim + nCurv + nLocals + 1
	if nCurv > 0 {
		matDer.Set(0, 0, -(prevWd[0] + nextWd[0]))
		matDer.Set(1, 0, -(prevWd[1] + nextWd[1]))
		labDer[0] = nLocals + 1
	}
	matDer.Slice(0, 2, 1, 3).(*mat.Dense).Copy(prevW)
	matDer.Slice(0, 2, 3, 5).(*mat.Dense).Copy(&sumWJ)
	matDer.Slice(0, 2, 5, 7).(*mat.Dense).Copy(nextW)
	for i := 0; i < offsetDim; i++ {
		labDer[1+i] = iOff + i
		labDer[3+i] = iOff + offsetDim + i
		labDer[5+i] = iOff + 2*offsetDim + i
	}
	return labDer, matDer, nil
}

// jacobian returns the sorted fit-parameter indices and the
// (5+numLocals) x len(index) Jacobian to the local parameters at the
// signed label.
func (t *Trajectory) jacobian(signedLabel int) ([]int, *mat.Dense, error) {
	label := abs(signedLabel)
	if label < 1 || label > len(t.points) {
		return nil, nil, fmt.Errorf("label %d: %w", signedLabel, ErrLabelOutOfRange)
	}
	first, last := 1, len(t.points)
	nJacobian := 0
	if signedLabel > 0 {
		nJacobian = 1
		if label >= last {
			label, nJacobian = last, 0
		}
	} else if label <= first {
		label, nJacobian = first, 1
	}

	labDer, matDer, err := t.fitToLocalJacobian(t.points[label-1], 5, nJacobian)
	if err != nil {
		return nil, nil, err
	}

	var index []int
	for i := 0; i < t.numLocals; i++ {
		index = append(index, i+1)
	}
	var cols []int
	for i, l := range labDer {
		if l > 0 {
			index = append(index, l)
			cols = append(cols, i)
		}
	}
	jac := mat.NewDense(5+t.numLocals, len(index), nil)
	for i := 0; i < t.numLocals; i++ {
		jac.Set(5+i, i, 1)
	}
	for k, c := range cols {
		for j := 0; j < 5; j++ {
			jac.Set(j, t.numLocals+k, matDer.At(j, c))
		}
	}
	return index, jac, nil
}

// prepare generates the data blocks from measurements, kinks and the
// external seed.
func (t *Trajectory) prepare() error {
	n := len(t.points)
	t.data = t.data[:0]
	t.measRange = make([][2]int, n+1)
	t.scatRange = make([][2]int, n+1)

	for i, p := range t.points {
		start := len(t.data)
		if p.measDim > 0 {
			measDim := p.measDim
			iOff := 5 - measDim
			nJacobian := 1
			if i == n-1 {
				// last point needs backward propagation
				nJacobian = 0
			}
			labDer, matDer, err := t.fitToLocalJacobian(p, measDim, nJacobian)
			if err != nil {
				return err
			}
			matPDer := mat.NewDense(5, 5, nil)
			if measDim > 2 {
				matPDer.Mul(p.measProjection, matDer)
			} else {
				matPDer.Slice(3, 5, 0, 5).(*mat.Dense).Mul(
					p.measProjection.Slice(3, 5, 3, 5), matDer.Slice(3, 5, 0, 5))
			}
			for row := iOff; row < 5; row++ {
				if p.measPrecision[row] <= 0 {
					continue
				}
				d := newDataBlock(p.label, DataMeasurement, p.measResiduals[row], p.measPrecision[row])
				d.addMeasurementDerivatives(row, labDer, matPDer, iOff,
					p.localDerivatives, p.globalLabels, p.globalDerivatives)
				t.data = append(t.data, d)
			}
		}
		t.measRange[p.label] = [2]int{start, len(t.data)}
	}

	for _, p := range t.points[1 : n-1] {
		start := len(t.data)
		if p.scatEnabled {
			labDer, matDer, err := t.fitToKinkJacobian(p)
			if err != nil {
				return err
			}
			matTDer := matDer
			if p.scatTransformation != nil {
				matTDer = mat.NewDense(2, 7, nil)
				matTDer.Mul(p.scatTransformation, matDer)
			}
			for row := 0; row < offsetDim; row++ {
				if p.scatPrecision[row] <= 0 {
					continue
				}
				d := newDataBlock(p.label, DataKink, p.scatResiduals[row], p.scatPrecision[row])
				d.addKinkDerivatives(row, labDer, matTDer)
				t.data = append(t.data, d)
			}
		}
		t.scatRange[p.label] = [2]int{start, len(t.data)}
	}

	if t.externalPoint != 0 {
		if err := t.prepareExternalSeed(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trajectory) prepareExternalSeed() error {
	values, vecsT, err := Full(t.externalSeed).eigen()
	if err != nil {
		return fmt.Errorf("external seed: %w", err)
	}
	index, jac, err := t.jacobian(t.externalPoint)
	if err != nil {
		return err
	}
	var der mat.Dense
	der.Mul(vecsT, jac)
	label := abs(t.externalPoint)
	for i, v := range values {
		if v <= 0 {
			continue
		}
		d := newDataBlock(label, DataExternalSeed, 0, v)
		d.addSparseDerivatives(index, mat.Row(nil, i, &der))
		t.data = append(t.data, d)
	}
	return nil
}

// buildSystem assembles the normal equations from all data blocks not
// rejected by skip.
func (t *Trajectory) buildSystem(skip func(*dataBlock) bool) ([]float64, *borderedBandMatrix) {
	nBorder := t.numCurvature + t.numLocals
	vector := make([]float64, t.numParameters)
	matrix := newBorderedBandMatrix(t.numParameters, nBorder)
	for _, d := range t.data {
		if skip != nil && skip(d) {
			continue
		}
		w := d.weight()
		for j, idx := range d.parameters {
			vector[idx-1] += d.derivatives[j] * w * d.value
		}
		matrix.addBlockMatrix(w, d.parameters, d.derivatives)
	}
	return vector, matrix
}

func (t *Trajectory) solve() error {
	vector, matrix := t.buildSystem(nil)
	x, err := matrix.solveAndInvert(vector)
	if err != nil {
		return err
	}
	if !isFinite(x) {
		return fmt.Errorf("non-finite solution: %w", ErrSingularMatrix)
	}
	t.solution = x
	t.matrix = matrix
	for _, d := range t.data {
		d.setPrediction(x)
	}
	return nil
}

// Fit solves the trajectory and optionally iterates down-weighting, one
// round per character of options ("T"/"t" Tukey, "H"/"h" Huber, "C"/"c"
// Cauchy; other characters are ignored). It returns the chi2 normalised
// by the efficiency of the last estimator, the degrees of freedom and the
// weight lost to down-weighting.
func (t *Trajectory) Fit(options string) (chi2 float64, ndf int, lostWeight float64, err error) {
	if !t.constructOK {
		if t.err != nil {
			return 0, -1, 0, errors.Join(ErrInvalidTrajectory, t.err)
		}
		return 0, -1, 0, ErrInvalidTrajectory
	}
	t.fitOK = false

	method := EstimatorNone
	if err := t.solve(); err != nil {
		monitoring.Logf("gbl: fit failed: %v", err)
		return 0, -1, 0, err
	}
	for _, c := range options {
		m, ok := ParseEstimator(c)
		if !ok {
			continue
		}
		method = m
		lostWeight = 0
		for _, d := range t.data {
			lostWeight += 1 - d.setDownWeighting(method)
		}
		if err := t.solve(); err != nil {
			monitoring.Logf("gbl: fit failed in %c iteration: %v", c, err)
			return 0, -1, 0, err
		}
	}

	ndf = len(t.data) - t.numParameters
	for _, d := range t.data {
		chi2 += d.chi2()
	}
	chi2 /= normChi2[method]

	t.chi2, t.ndf, t.lostWeight = chi2, ndf, lostWeight
	t.fitOK = true
	monitoring.Debugf("gbl: fit chi2 %.4g ndf %d lost weight %.4g", chi2, ndf, lostWeight)
	return chi2, ndf, lostWeight, nil
}

// Chi2 returns the chi2 of the last successful fit.
func (t *Trajectory) Chi2() float64 { return t.chi2 }

// Ndf returns the degrees of freedom of the last successful fit.
func (t *Trajectory) Ndf() int { return t.ndf }

// LostWeight returns the weight lost to down-weighting in the last fit.
func (t *Trajectory) LostWeight() float64 { return t.lostWeight }

func mulVec2(m mat.Matrix, v []float64) []float64 {
	return []float64{
		m.At(0, 0)*v[0] + m.At(0, 1)*v[1],
		m.At(1, 0)*v[0] + m.At(1, 1)*v[1],
	}
}

// isFinite reports whether all entries of v are finite.
func isFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
