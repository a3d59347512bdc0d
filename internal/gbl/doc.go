// Package gbl implements the General Broken Lines track refit.
//
// A Trajectory is built from Points in arc-length order. Each point carries
// the 5x5 Jacobian of the curvilinear parameters (q/p, λ, φ, xT, yT) from
// the previous point and optionally a measurement, a thin scatterer and
// derivatives with respect to additional local or global (alignment)
// parameters. The end points and every interior scatterer own an offset, a
// 2-D correction in the plane perpendicular to the track; all other points
// are interpolated from the bracketing offsets. The fit parameters are the
// optional local parameters, the curvature correction and the offsets, so
// the normal equations form a band matrix with a small dense border that
// is solved in time linear in the number of offsets.
//
// Typical use:
//
//	p := gbl.NewPoint(gbl.SimpleJacobian(ds, cosLambda, bfac))
//	_ = p.AddMeasurement(proj, residuals, gbl.Diagonal(1/(sigma*sigma), 0), 0)
//	...
//	traj := gbl.NewTrajectory(points)
//	chi2, ndf, lost, err := traj.Fit("t")
package gbl
