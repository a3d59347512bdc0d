package alignment

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/brokenlines/internal/testutil"
)

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// rotation returns the exact rotation by |v| about v (Rodrigues).
func rotation(v [3]float64) *mat.Dense {
	theta := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	r := eye(3)
	if theta == 0 {
		return r
	}
	k := skew(v[0]/theta, v[1]/theta, v[2]/theta)
	var k2 mat.Dense
	k2.Mul(k, k)
	k.Scale(math.Sin(theta), k)
	k2.Scale(1-math.Cos(theta), &k2)
	r.Add(r, k)
	r.Add(r, &k2)
	return r
}

func randomAngles(rng *rand.Rand, scale float64) [3]float64 {
	return [3]float64{scale * rng.NormFloat64(), scale * rng.NormFloat64(), scale * rng.NormFloat64()}
}

func vec(v [3]float64) *mat.VecDense { return mat.NewVecDense(3, v[:]) }

func TestFrameTransformDerivative_IdenticalFrames(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(3, 4))
	rot := rotation(randomAngles(rng, 1))
	pos := vec([3]float64{10, -4, 250})

	c := FrameTransformDerivative(rot, rot, pos, pos)
	testutil.AssertMatrixNear(t, c, eye(6), 1e-12)
}

func TestFrameTransformDerivative_ZeroDisplacement(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(5, 6))
	obj := rotation(randomAngles(rng, 1))
	comp := rotation(randomAngles(rng, 1))
	pos := vec([3]float64{1, 2, 3})

	c := FrameTransformDerivative(obj, comp, pos, pos)
	testutil.AssertMatrixNear(t, c.Slice(0, 3, 3, 6), mat.NewDense(3, 3, nil), 1e-12)
	testutil.AssertMatrixNear(t, c.Slice(3, 6, 0, 3), mat.NewDense(3, 3, nil), 0)

	var want mat.Dense
	want.Mul(obj.T(), comp)
	testutil.AssertMatrixNear(t, c.Slice(0, 3, 0, 3), &want, 1e-12)
	testutil.AssertMatrixNear(t, c.Slice(3, 6, 3, 6), &want, 1e-12)
}

// A small rigid motion of the composite, applied exactly, moves the object
// frame by C times the composite parameters to first order.
func TestFrameTransformDerivative_MatchesRigidMotion(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(11, 12))
	for trial := 0; trial < 20; trial++ {
		obj := rotation(randomAngles(rng, 1))
		comp := rotation(randomAngles(rng, 1))
		objPos := [3]float64{100 * rng.NormFloat64(), 100 * rng.NormFloat64(), 100 * rng.NormFloat64()}
		compPos := [3]float64{100 * rng.NormFloat64(), 100 * rng.NormFloat64(), 100 * rng.NormFloat64()}
		c := FrameTransformDerivative(obj, comp, vec(objPos), vec(compPos))

		const eps = 1e-8
		dt := randomAngles(rng, eps)
		dr := randomAngles(rng, eps)
		delta := mat.NewVecDense(6, []float64{dt[0], dt[1], dt[2], dr[0], dr[1], dr[2]})

		// object frame in composite coordinates: x = B·y + s
		var b mat.Dense
		b.Mul(comp.T(), obj)
		d := mat.NewVecDense(3, nil)
		d.SubVec(vec(objPos), vec(compPos))
		var s mat.VecDense
		s.MulVec(comp.T(), d)

		// composite moves: x -> R(dr)·x + dt
		rd := rotation(dr)
		var sMoved mat.VecDense
		sMoved.MulVec(rd, &s)
		sMoved.AddVec(&sMoved, vec(dt))
		sMoved.SubVec(&sMoved, &s)
		var gotT mat.VecDense
		gotT.MulVec(b.T(), &sMoved)

		var m, bm mat.Dense
		m.Mul(b.T(), rd)
		bm.Mul(&m, &b)
		gotR := []float64{
			(bm.At(2, 1) - bm.At(1, 2)) / 2,
			(bm.At(0, 2) - bm.At(2, 0)) / 2,
			(bm.At(1, 0) - bm.At(0, 1)) / 2,
		}

		var want mat.VecDense
		want.MulVec(c, delta)
		for i := 0; i < 3; i++ {
			assert.InDelta(t, want.AtVec(i), gotT.AtVec(i), 1e-11, "trial %d translation %d", trial, i)
			assert.InDelta(t, want.AtVec(3+i), gotR[i], 1e-11, "trial %d rotation %d", trial, i)
		}
	}
}

func TestFrameTransformDerivative_PanicsOnShape(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		FrameTransformDerivative(eye(2), eye(3), vec([3]float64{}), vec([3]float64{}))
	})
	assert.Panics(t, func() {
		FrameTransformDerivative(eye(3), eye(3), mat.NewVecDense(2, nil), vec([3]float64{}))
	})
}
