package alignment

import (
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"gonum.org/v1/gonum/mat"
)

// SensorSpec is one [[sensor]] table of a layout file.
type SensorSpec struct {
	Name     string        `toml:"name"`
	ID       int           `toml:"id"`
	Half     string        `toml:"half"`
	Position [3]float64    `toml:"position"`
	Rotation [3][3]float64 `toml:"rotation"`
}

// StructureSpec is one [[structure]] table. Children are listed reference
// child first and must be defined above the structure.
type StructureSpec struct {
	Name     string   `toml:"name"`
	ID       int      `toml:"id"`
	Children []string `toml:"children"`
}

// Layout is the TOML description of an alignment hierarchy.
type Layout struct {
	Sensors    []SensorSpec    `toml:"sensor"`
	Structures []StructureSpec `toml:"structure"`
}

// LoadLayout decodes a layout file. Unknown keys are rejected. A sensor
// without a rotation gets the identity.
func LoadLayout(path string) (*Layout, error) {
	var l Layout
	meta, err := toml.DecodeFile(path, &l)
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("load layout %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	for i := range l.Sensors {
		if l.Sensors[i].Rotation == ([3][3]float64{}) {
			l.Sensors[i].Rotation = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		}
	}
	return &l, nil
}

// Write encodes the layout as TOML.
func (l *Layout) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(l)
}

// Build creates the tree: all sensors first, then the structures in file
// order.
func (l *Layout) Build() (*Tree, error) {
	t := NewTree()
	for _, s := range l.Sensors {
		half, err := ParseHalf(s.Half)
		if err != nil {
			return nil, fmt.Errorf("sensor %q: %w", s.Name, err)
		}
		rot := mat.NewDense(3, 3, nil)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				rot.Set(r, c, s.Rotation[r][c])
			}
		}
		if err := t.AddSensor(s.Name, half, s.ID, s.Position, rot); err != nil {
			return nil, err
		}
	}
	for _, s := range l.Structures {
		if err := t.AddStructure(s.Name, s.ID, s.Children...); err != nil {
			return nil, err
		}
	}
	return t, nil
}
