package alignment

import "fmt"

// Half selects one of the two disjoint label pools of the detector.
type Half int

const (
	Top    Half = 1
	Bottom Half = 2
)

const (
	halfOffset      = 10000
	typeOffset      = 1000
	dimensionOffset = 100
)

// Parameter types.
const (
	Translation = 1
	Rotation    = 2
)

// NumDOF is the number of rigid-body parameters of an alignable volume.
const NumDOF = 6

var dofNames = [NumDOF]string{"tu", "tv", "tw", "ru", "rv", "rw"}

func (h Half) String() string {
	switch h {
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	}
	return fmt.Sprintf("half(%d)", int(h))
}

// ParseHalf accepts "top"/"bottom" as well as "t"/"b".
func ParseHalf(s string) (Half, error) {
	switch s {
	case "top", "t", "T":
		return Top, nil
	case "bottom", "b", "B":
		return Bottom, nil
	}
	return 0, fmt.Errorf("alignment: unknown half %q", s)
}

// Label encodes a rigid-body parameter as half·10000 + type·1000 +
// direction·100 + millepede id. direction counts from 1 (u, v, w).
func Label(half Half, typ, direction, id int) int {
	return int(half)*halfOffset + typ*typeOffset + direction*dimensionOffset + id
}

// ParseLabel is the inverse of Label.
func ParseLabel(label int) (half Half, typ, direction, id int) {
	half = Half(label / halfOffset)
	typ = (label / typeOffset) % 10
	direction = (label / dimensionOffset) % 10
	id = label % dimensionOffset
	return half, typ, direction, id
}

// SensorLabels returns the six labels of a volume in (tu, tv, tw, ru, rv, rw)
// order.
func SensorLabels(half Half, id int) [NumDOF]int {
	var labels [NumDOF]int
	for i := 0; i < NumDOF; i++ {
		typ := Translation
		if i >= 3 {
			typ = Rotation
		}
		labels[i] = Label(half, typ, i%3+1, id)
	}
	return labels
}

// DOFName returns the short name of parameter i (0..5).
func DOFName(i int) string {
	if i < 0 || i >= NumDOF {
		return fmt.Sprintf("dof%d", i)
	}
	return dofNames[i]
}

func validID(id int) error {
	if id < 0 || id >= dimensionOffset {
		return fmt.Errorf("alignment: millepede id %d outside [0,%d)", id, dimensionOffset)
	}
	return nil
}
