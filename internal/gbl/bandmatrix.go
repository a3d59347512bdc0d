package gbl

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// maxBandWidth is the widest band produced by a kink spanning three
// consecutive 2-D offsets.
const maxBandWidth = 5

// borderedBandMatrix is a symmetric matrix of the form
//
//	[ B   M ]
//	[ Mᵀ  D ]
//
// with a small dense border B (curvature and local parameters), a mixed
// block M and a band matrix D (offsets). After solveAndInvert the three
// blocks hold the corresponding parts of the inverse, restricted to the
// band for D.
type borderedBandMatrix struct {
	numSize   int
	numBorder int
	numCol    int
	numBand   int // band width seen so far

	border [][]float64 // numBorder x numBorder, full symmetric storage
	mixed  [][]float64 // numBorder x numCol
	band   [][]float64 // (maxBandWidth+1) x numCol, band[j][i] = D(i+j, i)
}

func newBorderedBandMatrix(nSize, nBorder int) *borderedBandMatrix {
	nCol := nSize - nBorder
	m := &borderedBandMatrix{
		numSize:   nSize,
		numBorder: nBorder,
		numCol:    nCol,
		border:    newGrid(nBorder, nBorder),
		mixed:     newGrid(nBorder, nCol),
		band:      newGrid(maxBandWidth+1, nCol),
	}
	return m
}

func newGrid(rows, cols int) [][]float64 {
	g := make([][]float64, rows)
	for i := range g {
		g[i] = make([]float64, cols)
	}
	return g
}

// addBlockMatrix adds weight * d dᵀ for the sparse vector d with sorted,
// 1-based indices.
func (m *borderedBandMatrix) addBlockMatrix(weight float64, index []int, der []float64) {
	nBorder := m.numBorder
	for i := range index {
		iIndex := index[i] - 1
		for j := 0; j <= i; j++ {
			jIndex := index[j] - 1
			v := der[i] * weight * der[j]
			switch {
			case iIndex < nBorder:
				m.border[iIndex][jIndex] += v
				if iIndex != jIndex {
					m.border[jIndex][iIndex] += v
				}
			case jIndex < nBorder:
				m.mixed[jIndex][iIndex-nBorder] += v
			default:
				nBand := iIndex - jIndex
				m.band[nBand][jIndex-nBorder] += v
				if nBand > m.numBand {
					m.numBand = nBand
				}
			}
		}
	}
}

// solveAndInvert solves the system for rhs and replaces the stored matrix
// by the border, mixed and band parts of its inverse.
func (m *borderedBandMatrix) solveAndInvert(rhs []float64) ([]float64, error) {
	if len(rhs) != m.numSize {
		return nil, fmt.Errorf("right hand side has %d entries, want %d", len(rhs), m.numSize)
	}
	if err := m.decomposeBand(); err != nil {
		return nil, err
	}
	inverseBand := m.invertBand()
	nb := m.numBorder
	solution := make([]float64, m.numSize)

	if nb == 0 {
		copy(solution, m.solveBand(rhs))
		m.band = inverseBand
		return solution, nil
	}

	// X' = D⁻¹ Mᵀ, stored row-wise per border parameter.
	auxMat := make([][]float64, nb)
	for l := 0; l < nb; l++ {
		auxMat[l] = m.solveBand(m.mixed[l])
	}

	// Schur complement of D: B - M D⁻¹ Mᵀ, and b1 - M D⁻¹ b2.
	b2 := rhs[nb:]
	auxVec := make([]float64, nb)
	schur := mat.NewDense(nb, nb, nil)
	for l := 0; l < nb; l++ {
		sum := rhs[l]
		for i := 0; i < m.numCol; i++ {
			sum -= auxMat[l][i] * b2[i]
		}
		auxVec[l] = sum
		for k := 0; k < nb; k++ {
			v := m.border[l][k]
			for i := 0; i < m.numCol; i++ {
				v -= m.mixed[l][i] * auxMat[k][i]
			}
			schur.Set(l, k, v)
		}
	}
	inverseBorder, err := invert(schur)
	if err != nil {
		return nil, fmt.Errorf("border inversion: %w", ErrSingularMatrix)
	}

	// x1 = E (b1 - M D⁻¹ b2), x2 = D⁻¹ b2 - X x1
	borderSolution := make([]float64, nb)
	for l := 0; l < nb; l++ {
		var sum float64
		for k := 0; k < nb; k++ {
			sum += inverseBorder.At(l, k) * auxVec[k]
		}
		borderSolution[l] = sum
	}
	bandSolution := m.solveBand(b2)
	copy(solution, borderSolution)
	for i := 0; i < m.numCol; i++ {
		v := bandSolution[i]
		for l := 0; l < nb; l++ {
			v -= auxMat[l][i] * borderSolution[l]
		}
		solution[nb+i] = v
	}

	// Inverse: border = E, mixed = E X' (negated on access), band = D⁻¹ + X E X'.
	for l := 0; l < nb; l++ {
		for k := 0; k < nb; k++ {
			m.border[l][k] = inverseBorder.At(l, k)
		}
		for i := 0; i < m.numCol; i++ {
			var sum float64
			for k := 0; k < nb; k++ {
				sum += inverseBorder.At(l, k) * auxMat[k][i]
			}
			m.mixed[l][i] = sum
		}
	}
	m.band = m.addBandOfAVAT(inverseBand, auxMat, inverseBorder)
	return solution, nil
}

// decomposeBand performs a root-free Cholesky (LDLᵀ) decomposition in place:
// band[0][i] holds 1/D_i and band[j][i] holds L(i+j, i).
func (m *borderedBandMatrix) decomposeBand() error {
	nRow := m.numBand + 1
	nCol := m.numCol
	aux := make([]float64, nCol)
	for i := 0; i < nCol; i++ {
		aux[i] = m.band[0][i] * 16.0
	}
	for i := 0; i < nCol; i++ {
		if m.band[0][i]+aux[i] != aux[i] {
			m.band[0][i] = 1.0 / m.band[0][i]
			if m.band[0][i] < 0 {
				return fmt.Errorf("band pivot %d: %w", i, ErrNotPositiveDefinite)
			}
		} else {
			m.band[0][i] = 0
			return fmt.Errorf("band pivot %d: %w", i, ErrSingularMatrix)
		}
		jMax := min(nRow, nCol-i)
		for j := 1; j < jMax; j++ {
			rxw := m.band[j][i] * m.band[0][i]
			for k := 0; k < jMax-j; k++ {
				m.band[k][i+j] -= m.band[k+j][i] * rxw
			}
			m.band[j][i] = rxw
		}
	}
	return nil
}

// solveBand solves D x = rhs using the decomposed band.
func (m *borderedBandMatrix) solveBand(rhs []float64) []float64 {
	nRow := m.numBand + 1
	nCol := m.numCol
	x := make([]float64, nCol)
	copy(x, rhs)
	for i := 0; i < nCol; i++ {
		for j := 1; j < min(nRow, nCol-i); j++ {
			x[j+i] -= m.band[j][i] * x[i]
		}
	}
	for i := nCol - 1; i >= 0; i-- {
		rxw := m.band[0][i] * x[i]
		for j := 1; j < min(nRow, nCol-i); j++ {
			rxw -= m.band[j][i] * x[j+i]
		}
		x[i] = rxw
	}
	return x
}

// invertBand returns the band part of D⁻¹ from the decomposed band.
func (m *borderedBandMatrix) invertBand() [][]float64 {
	nRow := m.numBand + 1
	nCol := m.numCol
	inv := newGrid(maxBandWidth+1, nCol)
	for i := nCol - 1; i >= 0; i-- {
		rxw := m.band[0][i]
		for j := i; j >= max(0, i-nRow+1); j-- {
			for k := j + 1; k < min(nCol, j+nRow); k++ {
				rxw -= inv[abs(i-k)][min(i, k)] * m.band[k-j][j]
			}
			inv[i-j][j] = rxw
			rxw = 0
		}
	}
	return inv
}

// addBandOfAVAT adds the band part of X E Xᵀ to inv, with X given
// transposed as auxMat.
func (m *borderedBandMatrix) addBandOfAVAT(inv [][]float64, auxMat [][]float64, e *mat.Dense) [][]float64 {
	nb := m.numBorder
	for i := 0; i < m.numCol; i++ {
		for j := max(0, i-m.numBand); j <= i; j++ {
			var sum float64
			for l := 0; l < nb; l++ {
				for k := 0; k < nb; k++ {
					sum += auxMat[l][i] * e.At(l, k) * auxMat[k][j]
				}
			}
			inv[i-j][j] += sum
		}
	}
	return inv
}

// blockMatrix returns the covariance sub-matrix for the sorted, 1-based
// parameter indices. Only valid after solveAndInvert.
func (m *borderedBandMatrix) blockMatrix(index []int) *mat.SymDense {
	n := len(index)
	if n == 0 {
		return nil
	}
	out := mat.NewSymDense(n, nil)
	nb := m.numBorder
	for i := 0; i < n; i++ {
		iIndex := index[i] - 1
		for j := 0; j <= i; j++ {
			jIndex := index[j] - 1
			var v float64
			switch {
			case iIndex < nb:
				v = m.border[iIndex][jIndex]
			case jIndex < nb:
				v = -m.mixed[jIndex][iIndex-nb]
			default:
				nBand := iIndex - jIndex
				if nBand <= maxBandWidth {
					v = m.band[nBand][jIndex-nb]
				}
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

// invert returns the inverse of a square matrix, rejecting exactly singular
// input. Ill-conditioned but invertible matrices are accepted.
func invert(a mat.Matrix) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		cond, ok := err.(mat.Condition)
		if !ok || math.IsInf(float64(cond), 1) {
			return nil, err
		}
	}
	return &inv, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
