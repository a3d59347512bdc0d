package alignment

import "errors"

var (
	// ErrUnknownSensor is returned when a sensor name or label is not in the tree.
	ErrUnknownSensor = errors.New("alignment: unknown sensor")
	// ErrUnknownStructure is returned when a structure references a missing node.
	ErrUnknownStructure = errors.New("alignment: unknown structure")
	ErrDuplicateName    = errors.New("alignment: duplicate name")
	ErrDuplicateLabel   = errors.New("alignment: duplicate derivative label")
	// ErrAlreadyAttached is returned when a node is given a second parent.
	ErrAlreadyAttached = errors.New("alignment: node already has a parent")
	// ErrSingularFrame is returned for a rotation or C-matrix that cannot be inverted.
	ErrSingularFrame = errors.New("alignment: singular frame transform")
	ErrDimension     = errors.New("alignment: dimension mismatch")
)
