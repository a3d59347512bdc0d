package gbl

import "errors"

var (
	// ErrTooFewPoints is returned when a trajectory has fewer than two points.
	ErrTooFewPoints = errors.New("gbl: trajectory needs at least two points")
	// ErrSingularJacobian signals a singular 2x2 or 3x3 block of a
	// propagation Jacobian, usually two points at the same arc length.
	ErrSingularJacobian = errors.New("gbl: singular propagation jacobian")
	// ErrInvalidTrajectory is returned when fitting or exporting a
	// trajectory whose construction failed.
	ErrInvalidTrajectory = errors.New("gbl: invalid trajectory")
	// ErrNotFitted is returned by result accessors before a successful fit.
	ErrNotFitted = errors.New("gbl: trajectory not fitted")
	ErrNotPositiveDefinite = errors.New("gbl: matrix not positive definite")
	ErrSingularMatrix      = errors.New("gbl: singular matrix")
	// ErrMeasurementRequired is returned by AddLocals and AddGlobals on a
	// point without measurement.
	ErrMeasurementRequired = errors.New("gbl: point has no measurement")
	ErrLabelOutOfRange     = errors.New("gbl: label out of range")
	ErrDimension           = errors.New("gbl: dimension mismatch")
)
