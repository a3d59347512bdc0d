package alignment

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/brokenlines/internal/testutil"
)

// threeLevelTree builds two rotated sensors per module, two modules per
// half and one half structure on top.
func threeLevelTree(t *testing.T) *Tree {
	t.Helper()
	tree := NewTree()
	sensors := []struct {
		name  string
		id    int
		pos   [3]float64
		angle [3]float64
	}{
		{"L1t_axial", 1, [3]float64{1, 20, 100}, [3]float64{0, 0.03, 0}},
		{"L1t_stereo", 2, [3]float64{1.5, 20.2, 108}, [3]float64{0.1, 0.03, 0}},
		{"L2t_axial", 3, [3]float64{2, 21, 200}, [3]float64{0, 0.03, 0.01}},
		{"L2t_stereo", 4, [3]float64{2.5, 21.3, 208}, [3]float64{-0.1, 0.03, 0}},
	}
	for _, s := range sensors {
		require.NoError(t, tree.AddSensor(s.name, Top, s.id, s.pos, rotation(s.angle)))
	}
	require.NoError(t, tree.AddStructure("L1t", 61, "L1t_axial", "L1t_stereo"))
	require.NoError(t, tree.AddStructure("L2t", 62, "L2t_axial", "L2t_stereo"))
	require.NoError(t, tree.AddStructure("top", 80, "L1t", "L2t"))
	return tree
}

func TestLabels(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 11101, Label(Top, Translation, 1, 1))
	assert.Equal(t, 22315, Label(Bottom, Rotation, 3, 15))
	assert.Equal(t, [NumDOF]int{21107, 21207, 21307, 22107, 22207, 22307}, SensorLabels(Bottom, 7))

	half, typ, dir, id := ParseLabel(12261)
	assert.Equal(t, Top, half)
	assert.Equal(t, Rotation, typ)
	assert.Equal(t, 2, dir)
	assert.Equal(t, 61, id)

	h, err := ParseHalf("bottom")
	require.NoError(t, err)
	assert.Equal(t, Bottom, h)
	_, err = ParseHalf("left")
	assert.Error(t, err)
	assert.Equal(t, "rw", DOFName(5))
}

func TestTree_Composite(t *testing.T) {
	t.Parallel()
	tree := threeLevelTree(t)
	assert.Equal(t, 7, tree.Len())

	mod, err := tree.Node("L1t")
	require.NoError(t, err)
	assert.False(t, mod.IsSensor())
	assert.Equal(t, [NumDOF]int{11161, 11261, 11361, 12161, 12261, 12361}, mod.Labels())
	pos := mod.Position()
	assert.InDeltaSlice(t, []float64{1.25, 20.1, 104}, pos[:], 1e-12)

	ref, err := tree.Sensor("L1t_axial")
	require.NoError(t, err)
	testutil.AssertMatrixNear(t, mod.Rotation(), ref.Rotation(), 0)
	assert.Equal(t, "L1t", tree.Parent(ref).Name())

	names := func(nodes []*Node) []string {
		var out []string
		for _, n := range nodes {
			out = append(out, n.Name())
		}
		return out
	}
	anc, err := tree.Ancestors("L1t_stereo")
	require.NoError(t, err)
	assert.Equal(t, []string{"L1t", "top"}, names(anc))
	top, err := tree.Node("top")
	require.NoError(t, err)
	assert.Equal(t, []string{"L1t", "L2t"}, names(tree.Children(top)))
	assert.Nil(t, tree.Parent(top))

	byID, err := tree.SensorByID(Top, 4)
	require.NoError(t, err)
	assert.Equal(t, "L2t_stereo", byID.Name())

	c, err := tree.CMatrix("L1t", "L1t_stereo")
	require.NoError(t, err)
	stereo, _ := tree.Sensor("L1t_stereo")
	want := FrameTransformDerivative(stereo.Rotation(), mod.Rotation(), stereo.positionVec(), mod.positionVec())
	testutil.AssertMatrixNear(t, c, want, 0)
}

func TestTree_Errors(t *testing.T) {
	t.Parallel()
	tree := threeLevelTree(t)

	assert.ErrorIs(t, tree.AddSensor("L1t_axial", Top, 9, [3]float64{}, eye(3)), ErrDuplicateName)
	assert.ErrorIs(t, tree.AddSensor("L9t", Top, 1, [3]float64{}, eye(3)), ErrDuplicateLabel)
	assert.ErrorIs(t, tree.AddSensor("L9t", Top, 9, [3]float64{}, mat.NewDense(3, 3, nil)), ErrSingularFrame)
	assert.ErrorIs(t, tree.AddSensor("L9t", Top, 9, [3]float64{}, eye(2)), ErrDimension)
	assert.Error(t, tree.AddSensor("L9t", Top, 100, [3]float64{}, eye(3)))
	assert.Error(t, tree.AddSensor("L9t", Half(3), 9, [3]float64{}, eye(3)))

	assert.ErrorIs(t, tree.AddStructure("extra", 70, "L1t_axial"), ErrAlreadyAttached)
	assert.ErrorIs(t, tree.AddStructure("extra", 70, "nope"), ErrUnknownStructure)
	assert.ErrorIs(t, tree.AddStructure("extra", 70), ErrUnknownStructure)

	_, err := tree.Sensor("L1t")
	assert.ErrorIs(t, err, ErrUnknownSensor)
	_, err = tree.SensorByID(Bottom, 1)
	assert.ErrorIs(t, err, ErrUnknownSensor)
	_, err = tree.CMatrix("L1t", "L2t_axial")
	assert.ErrorIs(t, err, ErrUnknownStructure)

	// a failed structure leaves its children free
	require.NoError(t, tree.AddSensor("L9t", Top, 9, [3]float64{}, eye(3)))
	assert.ErrorIs(t, tree.AddStructure("bad", 70, "L9t", "L9t"), ErrAlreadyAttached)
	require.NoError(t, tree.AddStructure("L9only", 71, "L9t"))
}

func TestTree_WriteJSON(t *testing.T) {
	t.Parallel()
	tree := threeLevelTree(t)
	var buf bytes.Buffer
	require.NoError(t, tree.WriteJSON(&buf))

	var nodes []nodeJSON
	require.NoError(t, json.Unmarshal(buf.Bytes(), &nodes))
	require.Len(t, nodes, 7)

	top := nodes[6]
	assert.Equal(t, "top", top.Name)
	assert.Empty(t, top.Parent)
	assert.Equal(t, []string{"L1t", "L2t"}, top.Daughters)
	require.Contains(t, top.CMatrices, "L2t")

	c, err := tree.CMatrix("top", "L2t")
	require.NoError(t, err)
	if diff := cmp.Diff(c.RawMatrix().Data, top.CMatrices["L2t"], cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("C-matrix mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "L1t", nodes[0].Parent)
	assert.Empty(t, nodes[0].CMatrices)
	assert.Equal(t, []int{11101, 11201, 11301, 12101, 12201, 12301}, nodes[0].DerivativeLabels)
}
