package gbl

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DataType identifies the origin of a data block.
type DataType int

const (
	DataNone DataType = iota
	DataMeasurement
	DataKink
	DataExternalSeed
)

func (t DataType) String() string {
	switch t {
	case DataMeasurement:
		return "measurement"
	case DataKink:
		return "kink"
	case DataExternalSeed:
		return "seed"
	default:
		return "none"
	}
}

// Estimator selects the M-estimator used for down-weighting.
type Estimator int

const (
	EstimatorNone Estimator = iota
	EstimatorTukey
	EstimatorHuber
	EstimatorCauchy
)

// estimatorCodes maps option characters to estimators: position/2+1.
const estimatorCodes = "TtHhCc"

// normChi2 holds the chi2 normalisation (efficiency) per estimator.
var normChi2 = [4]float64{1.0, 0.8737, 0.9326, 0.8228}

// Tuning constants of the M-estimators in units of the scaled residual.
const (
	tukeyCut   = 4.6851
	huberCut   = 1.345
	cauchyCut2 = 5.6877 // c² for c = 2.3849
)

// ParseEstimator returns the estimator for an option character. Unknown
// characters return false and are ignored by Fit.
func ParseEstimator(c rune) (Estimator, bool) {
	pos := strings.IndexRune(estimatorCodes, c)
	if pos < 0 {
		return EstimatorNone, false
	}
	return Estimator(pos/2 + 1), true
}

// dataBlock is one scalar row of the linear system.
type dataBlock struct {
	label      int
	kind       DataType
	value      float64
	precision  float64
	downWeight float64
	prediction float64

	parameters  []int // compressed, 1-based, sorted
	derivatives []float64

	globalLabels      []int
	globalDerivatives []float64
}

func newDataBlock(label int, kind DataType, value, precision float64) *dataBlock {
	return &dataBlock{
		label:      label,
		kind:       kind,
		value:      value,
		precision:  precision,
		downWeight: 1.0,
	}
}

// addMeasurementDerivatives fills the block from row iRow of the 5-column
// fit-to-local Jacobian (labels labDer) plus the optional local and global
// derivative rows (iRow - iOff).
func (d *dataBlock) addMeasurementDerivatives(iRow int, labDer [5]int, matDer *mat.Dense,
	iOff int, derLocal *mat.Dense, labGlobal []int, derGlobal *mat.Dense) {
	row := iRow - iOff
	if derLocal != nil {
		_, nLocal := derLocal.Dims()
		for i := 0; i < nLocal; i++ {
			if v := derLocal.At(row, i); v != 0 {
				d.parameters = append(d.parameters, i+1)
				d.derivatives = append(d.derivatives, v)
			}
		}
	}
	for i := 0; i < 5; i++ {
		if v := matDer.At(iRow, i); labDer[i] != 0 && v != 0 {
			d.parameters = append(d.parameters, labDer[i])
			d.derivatives = append(d.derivatives, v)
		}
	}
	if derGlobal != nil {
		for i, label := range labGlobal {
			if v := derGlobal.At(row, i); v != 0 {
				d.globalLabels = append(d.globalLabels, label)
				d.globalDerivatives = append(d.globalDerivatives, v)
			}
		}
	}
}

// addKinkDerivatives fills the block from row iRow of the 2x7
// fit-to-kink Jacobian.
func (d *dataBlock) addKinkDerivatives(iRow int, labDer [7]int, matDer *mat.Dense) {
	for i := 0; i < 7; i++ {
		if v := matDer.At(iRow, i); labDer[i] != 0 && v != 0 {
			d.parameters = append(d.parameters, labDer[i])
			d.derivatives = append(d.derivatives, v)
		}
	}
}

// addSparseDerivatives appends explicit (index, derivative) pairs.
func (d *dataBlock) addSparseDerivatives(index []int, der []float64) {
	for i, idx := range index {
		if der[i] != 0 {
			d.parameters = append(d.parameters, idx)
			d.derivatives = append(d.derivatives, der[i])
		}
	}
}

// setPrediction computes Σ derivative·x[index-1].
func (d *dataBlock) setPrediction(x []float64) {
	var p float64
	for i, idx := range d.parameters {
		p += d.derivatives[i] * x[idx-1]
	}
	d.prediction = p
}

// setDownWeighting recomputes the down-weight from the scaled residual and
// returns it.
func (d *dataBlock) setDownWeighting(method Estimator) float64 {
	d.downWeight = downWeight(method, math.Abs(d.value-d.prediction)*math.Sqrt(d.precision))
	return d.downWeight
}

func downWeight(method Estimator, scaled float64) float64 {
	switch method {
	case EstimatorTukey:
		if scaled >= tukeyCut {
			return 0
		}
		w := 1.0 - scaled*scaled/(tukeyCut*tukeyCut)
		return w * w
	case EstimatorHuber:
		if scaled >= huberCut {
			return huberCut / scaled
		}
		return 1.0
	case EstimatorCauchy:
		return 1.0 / (1.0 + scaled*scaled/cauchyCut2)
	}
	return 1.0
}

func (d *dataBlock) chi2() float64 {
	diff := d.value - d.prediction
	return diff * diff * d.precision * d.downWeight
}

// weight is the effective weight used when building the system.
func (d *dataBlock) weight() float64 {
	return d.precision * d.downWeight
}

func (d *dataBlock) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %3d: value %12.5g prec %12.5g dw %6.4f pred %12.5g",
		d.kind, d.label, d.value, d.precision, d.downWeight, d.prediction)
	fmt.Fprintf(&b, " par %v", d.parameters)
	if len(d.globalLabels) > 0 {
		fmt.Fprintf(&b, " glb %v", d.globalLabels)
	}
	return b.String()
}
