package gbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestParseEstimator(t *testing.T) {
	tests := []struct {
		code rune
		want Estimator
		ok   bool
	}{
		{'T', EstimatorTukey, true},
		{'t', EstimatorTukey, true},
		{'H', EstimatorHuber, true},
		{'h', EstimatorHuber, true},
		{'C', EstimatorCauchy, true},
		{'c', EstimatorCauchy, true},
		{'x', EstimatorNone, false},
		{' ', EstimatorNone, false},
	}
	for _, tt := range tests {
		got, ok := ParseEstimator(tt.code)
		assert.Equal(t, tt.want, got, "code %q", tt.code)
		assert.Equal(t, tt.ok, ok, "code %q", tt.code)
	}
}

func TestDownWeight(t *testing.T) {
	tests := []struct {
		name   string
		method Estimator
		scaled float64
		want   float64
	}{
		{"none", EstimatorNone, 10, 1},
		{"tukey zero", EstimatorTukey, 0, 1},
		{"tukey inside", EstimatorTukey, 2, (1 - 4/(tukeyCut*tukeyCut)) * (1 - 4/(tukeyCut*tukeyCut))},
		{"tukey at cut", EstimatorTukey, tukeyCut, 0},
		{"tukey outside", EstimatorTukey, 10, 0},
		{"huber inside", EstimatorHuber, 1, 1},
		{"huber outside", EstimatorHuber, 2.69, huberCut / 2.69},
		{"cauchy", EstimatorCauchy, 2, 1 / (1 + 4/cauchyCut2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, downWeight(tt.method, tt.scaled), 1e-15)
		})
	}
}

func TestDownWeight_MonotoneInResidual(t *testing.T) {
	for _, m := range []Estimator{EstimatorTukey, EstimatorHuber, EstimatorCauchy} {
		prev := downWeight(m, 0)
		for s := 0.1; s < 10; s += 0.1 {
			w := downWeight(m, s)
			assert.LessOrEqual(t, w, prev, "estimator %d at %g", m, s)
			prev = w
		}
	}
}

func TestDataBlock_Prediction(t *testing.T) {
	d := newDataBlock(3, DataMeasurement, 1.5, 4)
	d.addSparseDerivatives([]int{1, 3, 4}, []float64{2, 0, -1})
	assert.Equal(t, []int{1, 4}, d.parameters)

	d.setPrediction([]float64{0.5, 9, 9, -0.25})
	assert.InDelta(t, 1.25, d.prediction, 1e-15)
	assert.InDelta(t, 0.25*0.25*4, d.chi2(), 1e-15)

	// scaled residual 0.5: Huber keeps full weight
	assert.Equal(t, 1.0, d.setDownWeighting(EstimatorHuber))
	assert.InDelta(t, 4, d.weight(), 0)
	assert.Contains(t, d.String(), "measurement")
}

func TestDataBlock_MeasurementDerivatives(t *testing.T) {
	matDer := mat.NewDense(5, 5, nil)
	matDer.Set(4, 0, 0.3)
	matDer.Set(4, 2, 1)
	matDer.Set(4, 4, 2)
	labDer := [5]int{2, 3, 4, 5, 6}
	locals := mat.NewDense(1, 1, []float64{7})
	globals := mat.NewDense(1, 3, []float64{1, 0, 2})

	d := newDataBlock(1, DataMeasurement, 0, 1)
	d.addMeasurementDerivatives(4, labDer, matDer, 4, locals, []int{10, 11, 12}, globals)
	assert.Equal(t, []int{1, 2, 4, 6}, d.parameters)
	assert.Equal(t, []float64{7, 0.3, 1, 2}, d.derivatives)
	assert.Equal(t, []int{10, 12}, d.globalLabels)
	assert.Equal(t, []float64{1, 2}, d.globalDerivatives)

	k := newDataBlock(2, DataKink, 0, 1)
	kinkDer := mat.NewDense(2, 7, nil)
	kinkDer.Set(1, 1, 1)
	kinkDer.Set(1, 6, -1)
	k.addKinkDerivatives(1, [7]int{0, 3, 4, 5, 6, 7, 8}, kinkDer)
	assert.Equal(t, []int{3, 8}, k.parameters)
}
