// Package fakerobot provides a deterministic LeggedRobot for tests and for
// exercising the velocity-estimator module without hardware. It registers
// itself with the quadvel robot registry under the name "fake".
package fakerobot

import (
	"context"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-labs/quadruped-velocity/estimator"
	"github.com/viam-labs/quadruped-velocity/quadvel"
)

const defaultControlPeriod = 0.002 // 500 Hz, the A1 low-level loop rate

func init() {
	quadvel.RegisterRobot("fake",
		func(ctx context.Context, attributes map[string]interface{}, logger logging.Logger) (estimator.LeggedRobot, error) {
			return New(), nil
		})
}

// Robot is a scripted LeggedRobot. A freshly constructed Robot stands still
// on flat ground with all four feet in contact, identity leg Jacobians, and
// an accelerometer reading of pure gravity. Reads can be redirected through
// the function fields, in the style of an inject test double; otherwise the
// plain fields below are returned as-is.
type Robot struct {
	Acceleration  r3.Vector
	Orientation   spatialmath.Orientation
	Contacts      [estimator.NumLegs]bool
	Jacobians     [estimator.NumLegs]*mat.Dense
	JointVels     []float64
	ControlPeriod float64

	BaseAccelerationFunc func(ctx context.Context) (r3.Vector, error)
	BaseOrientationFunc  func(ctx context.Context) (spatialmath.Orientation, error)
	FootContactsFunc     func(ctx context.Context) ([estimator.NumLegs]bool, error)
	LegJacobianFunc      func(ctx context.Context, leg int) (*mat.Dense, error)
	MotorVelocitiesFunc  func(ctx context.Context) ([]float64, error)
}

// New returns a Robot standing still on flat ground.
func New() *Robot {
	return &Robot{
		Acceleration:  r3.Vector{Z: 9.8},
		Orientation:   spatialmath.NewZeroOrientation(),
		Contacts:      [estimator.NumLegs]bool{true, true, true, true},
		JointVels:     make([]float64, estimator.NumLegs*estimator.JointsPerLeg),
		ControlPeriod: defaultControlPeriod,
	}
}

func (r *Robot) BaseAcceleration(ctx context.Context) (r3.Vector, error) {
	if r.BaseAccelerationFunc != nil {
		return r.BaseAccelerationFunc(ctx)
	}
	return r.Acceleration, nil
}

func (r *Robot) BaseOrientation(ctx context.Context) (spatialmath.Orientation, error) {
	if r.BaseOrientationFunc != nil {
		return r.BaseOrientationFunc(ctx)
	}
	if r.Orientation == nil {
		return spatialmath.NewZeroOrientation(), nil
	}
	return r.Orientation, nil
}

func (r *Robot) FootContacts(ctx context.Context) ([estimator.NumLegs]bool, error) {
	if r.FootContactsFunc != nil {
		return r.FootContactsFunc(ctx)
	}
	return r.Contacts, nil
}

func (r *Robot) LegJacobian(ctx context.Context, leg int) (*mat.Dense, error) {
	if r.LegJacobianFunc != nil {
		return r.LegJacobianFunc(ctx, leg)
	}
	if jac := r.Jacobians[leg]; jac != nil {
		return jac, nil
	}
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}), nil
}

func (r *Robot) MotorVelocities(ctx context.Context) ([]float64, error) {
	if r.MotorVelocitiesFunc != nil {
		return r.MotorVelocitiesFunc(ctx)
	}
	return r.JointVels, nil
}

func (r *Robot) TimeStep() float64 {
	if r.ControlPeriod > 0 {
		return r.ControlPeriod
	}
	return defaultControlPeriod
}
