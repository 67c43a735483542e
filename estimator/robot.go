package estimator

import (
	"context"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

// Leg layout shared by every supported quadruped: four legs, three actuated
// joints each, motor velocities reported in leg order.
const (
	NumLegs      = 4
	JointsPerLeg = 3
)

// LeggedRobot is the sensor and kinematics surface the estimator reads once
// per control tick. Implementations return already-available snapshots; no
// method here should block on a sensor round trip. The estimator holds the
// robot as a non-owning collaborator and never manages its lifecycle.
type LeggedRobot interface {
	// BaseAcceleration returns the body-frame accelerometer reading in m/s².
	// At rest on flat ground this reads +9.8 on the z axis.
	BaseAcceleration(ctx context.Context) (r3.Vector, error)

	// BaseOrientation returns the orientation of the base relative to the
	// reference frame.
	BaseOrientation(ctx context.Context) (spatialmath.Orientation, error)

	// FootContacts reports, per leg, whether that foot is currently touching
	// the ground.
	FootContacts(ctx context.Context) ([NumLegs]bool, error)

	// LegJacobian returns the Jacobian mapping the leg's joint velocities to
	// the foot velocity in the base frame. It must have JointsPerLeg columns
	// and at least three rows; only the first three rows are used.
	LegJacobian(ctx context.Context, leg int) (*mat.Dense, error)

	// MotorVelocities returns the joint velocities of all legs in leg order,
	// JointsPerLeg values per leg, in rad/s.
	MotorVelocities(ctx context.Context) ([]float64, error)

	// TimeStep returns the nominal control period in seconds. It is used
	// only as the elapsed-time fallback on the first tick after a reset.
	TimeStep() float64
}

// rotateByQuaternion applies the rotation q to v as q·v·q*.
func rotateByQuaternion(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rotated := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}
