// Package estimator tracks the linear velocity of a legged robot's base by
// fusing two noisy, complementary sources: the integrated accelerometer
// reading and the velocity implied by the kinematics of legs in ground
// contact. A linear Kalman filter combines the two, and a moving window
// filter smooths the posterior before it is exposed.
package estimator

import (
	"context"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// gravityOffset removes the gravitational component from the rotated
// accelerometer reading, matching an accelerometer that reads +9.8 on z at
// rest.
var gravityOffset = r3.Vector{Z: -9.8}

// ErrClockRegression is returned by Update when the supplied timestamp does
// not advance past the previous tick's. The filter state is left untouched;
// callers that know the time base restarted should Reset and continue.
var ErrClockRegression = errors.New("timestamp did not advance between ticks")

// Options configure the noise model and output smoothing of a
// VelocityEstimator.
type Options struct {
	// AccelerometerVariance scales the diagonal process noise covariance.
	AccelerometerVariance float64
	// SensorVariance scales the diagonal measurement noise covariance of
	// the contact-leg velocity estimate.
	SensorVariance float64
	// InitialVariance scales the diagonal state covariance installed at
	// construction and on Reset.
	InitialVariance float64
	// WindowSize is the number of samples in each per-axis moving window
	// filter applied to the posterior velocity.
	WindowSize int
}

// DefaultOptions returns the tuning used on the Unitree A1.
func DefaultOptions() Options {
	return Options{
		AccelerometerVariance: 0.1,
		SensorVariance:        0.1,
		InitialVariance:       0.1,
		WindowSize:            120,
	}
}

func (o Options) validate() error {
	if o.AccelerometerVariance <= 0 {
		return errors.New("accelerometer variance must be positive")
	}
	if o.SensorVariance <= 0 {
		return errors.New("sensor variance must be positive")
	}
	if o.InitialVariance <= 0 {
		return errors.New("initial variance must be positive")
	}
	if o.WindowSize <= 0 {
		return errors.New("window size must be positive")
	}
	return nil
}

// VelocityEstimator estimates base velocity in the reference frame, updated
// once per control tick via Update. It is not safe for concurrent use:
// Update, Reset, and the accessors must be serialized by the caller.
type VelocityEstimator struct {
	robot LeggedRobot
	opts  Options

	filter  *velocityFilter
	smoothX *MovingWindowFilter
	smoothY *MovingWindowFilter
	smoothZ *MovingWindowFilter

	started       bool
	lastTimestamp float64

	estimated     r3.Vector
	calibratedAcc r3.Vector
}

// NewVelocityEstimator returns an estimator reading from the given robot.
func NewVelocityEstimator(robot LeggedRobot, opts Options) (*VelocityEstimator, error) {
	if robot == nil {
		return nil, errors.New("a legged robot is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ve := &VelocityEstimator{
		robot:  robot,
		opts:   opts,
		filter: newVelocityFilter(opts.AccelerometerVariance, opts.SensorVariance, opts.InitialVariance),
	}
	ve.resetSmoothing()
	return ve, nil
}

// Update advances the estimate by one control tick. now is the current
// timestamp in seconds, on the same clock as every previous call since the
// last Reset. Read failures from the robot interface propagate unchanged;
// a tick with no feet on the ground is not an error, the estimate simply
// dead-reckons from acceleration until contact resumes.
func (ve *VelocityEstimator) Update(ctx context.Context, now float64) error {
	dt, err := ve.deltaTime(now)
	if err != nil {
		return err
	}

	acc, err := ve.robot.BaseAcceleration(ctx)
	if err != nil {
		return errors.Wrap(err, "reading base acceleration")
	}
	orientation, err := ve.robot.BaseOrientation(ctx)
	if err != nil {
		return errors.Wrap(err, "reading base orientation")
	}
	rot := orientation.Quaternion()

	calibrated := rotateByQuaternion(rot, acc).Add(gravityOffset)
	ve.calibratedAcc = calibrated

	// The control input is a velocity increment, not an acceleration: the
	// control matrix is identity over a velocity state.
	ve.filter.predict(mat.NewVecDense(3, []float64{
		calibrated.X * dt,
		calibrated.Y * dt,
		calibrated.Z * dt,
	}))

	measurement, observed, err := ve.contactVelocity(ctx, rot)
	if err != nil {
		return err
	}
	if observed {
		z := mat.NewVecDense(3, []float64{measurement.X, measurement.Y, measurement.Z})
		if err := ve.filter.correct(z); err != nil {
			return err
		}
	}

	ve.estimated = r3.Vector{
		X: ve.smoothX.AddValue(ve.filter.x.AtVec(0)),
		Y: ve.smoothY.AddValue(ve.filter.x.AtVec(1)),
		Z: ve.smoothZ.AddValue(ve.filter.x.AtVec(2)),
	}
	return nil
}

// EstimatedVelocity returns the latest smoothed velocity estimate in the
// reference frame, in m/s. The returned value is a snapshot.
func (ve *VelocityEstimator) EstimatedVelocity() r3.Vector {
	return ve.estimated
}

// CalibratedAcceleration returns the gravity-free reference-frame
// acceleration observed on the most recent tick, in m/s².
func (ve *VelocityEstimator) CalibratedAcceleration() r3.Vector {
	return ve.calibratedAcc
}

// Reset returns the estimator to its startup condition: zero state, initial
// covariance, empty smoothing windows, and no observed timestamp.
func (ve *VelocityEstimator) Reset() {
	ve.filter.reset()
	ve.resetSmoothing()
	ve.started = false
	ve.lastTimestamp = 0
	ve.estimated = r3.Vector{}
	ve.calibratedAcc = r3.Vector{}
}

// resetSmoothing allocates fresh window filters rather than clearing in
// place; smoothing history never survives a reset.
func (ve *VelocityEstimator) resetSmoothing() {
	ve.smoothX = NewMovingWindowFilter(ve.opts.WindowSize)
	ve.smoothY = NewMovingWindowFilter(ve.opts.WindowSize)
	ve.smoothZ = NewMovingWindowFilter(ve.opts.WindowSize)
}

// deltaTime returns the elapsed time since the previous tick. The first
// tick after construction or Reset has no predecessor, so the robot's
// nominal control period stands in for it. On error no timing state is
// modified.
func (ve *VelocityEstimator) deltaTime(now float64) (float64, error) {
	if !ve.started {
		ve.started = true
		ve.lastTimestamp = now
		return ve.robot.TimeStep(), nil
	}
	dt := now - ve.lastTimestamp
	if dt <= 0 {
		return 0, errors.Wrapf(ErrClockRegression, "current %v, previous %v", now, ve.lastTimestamp)
	}
	ve.lastTimestamp = now
	return dt, nil
}

// contactVelocity averages the base velocity implied by each leg currently
// in ground contact, rotated into the reference frame. A stationary foot
// moving at J·q̇ in the base frame means the base moves at -J·q̇. The second
// return is false when no foot is on the ground.
func (ve *VelocityEstimator) contactVelocity(ctx context.Context, rot quat.Number) (r3.Vector, bool, error) {
	contacts, err := ve.robot.FootContacts(ctx)
	if err != nil {
		return r3.Vector{}, false, errors.Wrap(err, "reading foot contacts")
	}

	var sum r3.Vector
	var motorVelocities []float64
	count := 0
	for leg := 0; leg < NumLegs; leg++ {
		if !contacts[leg] {
			continue
		}
		if motorVelocities == nil {
			motorVelocities, err = ve.robot.MotorVelocities(ctx)
			if err != nil {
				return r3.Vector{}, false, errors.Wrap(err, "reading motor velocities")
			}
			if len(motorVelocities) < NumLegs*JointsPerLeg {
				return r3.Vector{}, false, errors.Errorf(
					"expected %d motor velocities, got %d", NumLegs*JointsPerLeg, len(motorVelocities))
			}
		}
		jacobian, err := ve.robot.LegJacobian(ctx, leg)
		if err != nil {
			return r3.Vector{}, false, errors.Wrapf(err, "computing jacobian for leg %d", leg)
		}

		jointVelocities := mat.NewVecDense(
			JointsPerLeg, motorVelocities[leg*JointsPerLeg:(leg+1)*JointsPerLeg])
		var footVelocity mat.VecDense
		footVelocity.MulVec(jacobian, jointVelocities)
		baseVelocity := r3.Vector{
			X: -footVelocity.AtVec(0),
			Y: -footVelocity.AtVec(1),
			Z: -footVelocity.AtVec(2),
		}
		sum = sum.Add(rotateByQuaternion(rot, baseVelocity))
		count++
	}
	if count == 0 {
		return r3.Vector{}, false, nil
	}
	return sum.Mul(1 / float64(count)), true, nil
}
