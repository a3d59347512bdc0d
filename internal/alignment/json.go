package alignment

import (
	"encoding/json"
	"io"
)

type nodeJSON struct {
	Name             string               `json:"name"`
	Parent           string               `json:"parent"`
	Half             string               `json:"half"`
	ID               int                  `json:"millepede_id"`
	Position         [3]float64           `json:"position"`
	DerivativeLabels []int                `json:"derivativeLabels"`
	Daughters        []string             `json:"daughters"`
	CMatrices        map[string][]float64 `json:"CMatrices,omitempty"`
}

// WriteJSON dumps every node with its parent, children, labels and the
// row-packed C-matrix of each child.
func (t *Tree) WriteJSON(w io.Writer) error {
	out := make([]nodeJSON, 0, len(t.nodes))
	for _, n := range t.nodes {
		j := nodeJSON{
			Name:             n.name,
			Half:             n.half.String(),
			ID:               n.id,
			Position:         n.position,
			DerivativeLabels: n.labels[:],
			Daughters:        []string{},
		}
		if p := t.Parent(n); p != nil {
			j.Parent = p.name
		}
		for i, ci := range n.children {
			c := t.nodes[ci]
			j.Daughters = append(j.Daughters, c.name)
			if j.CMatrices == nil {
				j.CMatrices = make(map[string][]float64)
			}
			j.CMatrices[c.name] = append([]float64(nil), n.cmatrix[i].RawMatrix().Data...)
		}
		out = append(out, j)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
