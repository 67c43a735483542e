package estimator

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rdk/spatialmath"
)

// testRobot is a scripted LeggedRobot standing still on flat ground:
// accelerometer reads pure gravity, all feet up, identity Jacobians.
type testRobot struct {
	acc         r3.Vector
	orientation spatialmath.Orientation
	contacts    [NumLegs]bool
	motorVels   []float64
	timeStep    float64

	contactsErr  error
	motorErr     error
	jacobianFunc func(leg int) (*mat.Dense, error)
}

func newTestRobot() *testRobot {
	return &testRobot{
		acc:         r3.Vector{Z: 9.8},
		orientation: spatialmath.NewZeroOrientation(),
		motorVels:   make([]float64, NumLegs*JointsPerLeg),
		timeStep:    0.002,
	}
}

func (r *testRobot) BaseAcceleration(ctx context.Context) (r3.Vector, error) {
	return r.acc, nil
}

func (r *testRobot) BaseOrientation(ctx context.Context) (spatialmath.Orientation, error) {
	return r.orientation, nil
}

func (r *testRobot) FootContacts(ctx context.Context) ([NumLegs]bool, error) {
	return r.contacts, r.contactsErr
}

func (r *testRobot) LegJacobian(ctx context.Context, leg int) (*mat.Dense, error) {
	if r.jacobianFunc != nil {
		return r.jacobianFunc(leg)
	}
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}), nil
}

func (r *testRobot) MotorVelocities(ctx context.Context) ([]float64, error) {
	return r.motorVels, r.motorErr
}

func (r *testRobot) TimeStep() float64 {
	return r.timeStep
}

// plantFeet puts all four feet in contact with joint velocities chosen so
// the kinematic base-velocity measurement comes out to want.
func (r *testRobot) plantFeet(want r3.Vector) {
	r.contacts = [NumLegs]bool{true, true, true, true}
	r.motorVels = r.motorVels[:0]
	for leg := 0; leg < NumLegs; leg++ {
		r.motorVels = append(r.motorVels, -want.X, -want.Y, -want.Z)
	}
}

func TestOptionsValidation(t *testing.T) {
	robot := newTestRobot()

	for _, tc := range []struct {
		name string
		opts Options
	}{
		{"zero accelerometer variance", Options{0, 0.1, 0.1, 120}},
		{"negative sensor variance", Options{0.1, -1, 0.1, 120}},
		{"zero initial variance", Options{0.1, 0.1, 0, 120}},
		{"zero window size", Options{0.1, 0.1, 0.1, 0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewVelocityEstimator(robot, tc.opts)
			test.That(t, err, test.ShouldNotBeNil)
		})
	}

	_, err := NewVelocityEstimator(nil, DefaultOptions())
	test.That(t, err, test.ShouldNotBeNil)

	ve, err := NewVelocityEstimator(robot, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ve.EstimatedVelocity(), test.ShouldResemble, r3.Vector{})
}

func TestFirstTickUsesControlPeriod(t *testing.T) {
	robot := newTestRobot()
	robot.timeStep = 0.25
	robot.acc = r3.Vector{X: 2, Z: 9.8} // 2 m/s² forward on top of gravity

	ve, err := NewVelocityEstimator(robot, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)

	// the absolute timestamp of the first tick is irrelevant: elapsed time
	// is the nominal control period
	test.That(t, ve.Update(context.Background(), 5.0), test.ShouldBeNil)
	test.That(t, ve.EstimatedVelocity().X, test.ShouldAlmostEqual, 0.5, 1e-9)

	// subsequent ticks use real elapsed time
	test.That(t, ve.Update(context.Background(), 5.1), test.ShouldBeNil)
	test.That(t, ve.EstimatedVelocity().X, test.ShouldAlmostEqual, 0.6, 1e-9)
}

func TestClockRegression(t *testing.T) {
	robot := newTestRobot()
	robot.acc = r3.Vector{X: 1, Z: 9.8}

	ve, err := NewVelocityEstimator(robot, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, ve.Update(context.Background(), 1.0), test.ShouldBeNil)
	before := ve.EstimatedVelocity()

	err = ve.Update(context.Background(), 1.0)
	test.That(t, errors.Is(err, ErrClockRegression), test.ShouldBeTrue)
	err = ve.Update(context.Background(), 0.5)
	test.That(t, errors.Is(err, ErrClockRegression), test.ShouldBeTrue)

	// a rejected tick leaves the estimate and the timing state untouched
	test.That(t, ve.EstimatedVelocity(), test.ShouldResemble, before)
	test.That(t, ve.Update(context.Background(), 1.2), test.ShouldBeNil)
	// dt of the recovering tick is measured from the last accepted one
	test.That(t, ve.filter.x.AtVec(0), test.ShouldAlmostEqual, robot.timeStep+0.2, 1e-9)
}

func TestCalibrationRotatesBodyFrame(t *testing.T) {
	robot := newTestRobot()
	robot.timeStep = 0.5
	// base yawed 90°: a forward body-frame acceleration points along world y
	robot.orientation = &spatialmath.EulerAngles{Yaw: math.Pi / 2}
	robot.acc = r3.Vector{X: 1, Z: 9.8}

	ve, err := NewVelocityEstimator(robot, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ve.Update(context.Background(), 1.0), test.ShouldBeNil)

	got := ve.CalibratedAcceleration()
	test.That(t, got.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0, 1e-9)

	v := ve.EstimatedVelocity()
	test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Y, test.ShouldAlmostEqual, 0.5, 1e-9)
}

func TestDeadReckoningContinuity(t *testing.T) {
	robot := newTestRobot()
	robot.plantFeet(r3.Vector{X: 1})

	ve, err := NewVelocityEstimator(robot, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)

	now := 0.0
	for i := 0; i < 3; i++ {
		now += robot.timeStep
		test.That(t, ve.Update(context.Background(), now), test.ShouldBeNil)
	}
	atLiftoff := ve.filter.x.AtVec(0)
	test.That(t, atLiftoff, test.ShouldBeGreaterThan, 0)

	// with all feet off the ground and zero calibrated acceleration, the
	// state coasts: predict only, no correction, no discontinuity
	robot.contacts = [NumLegs]bool{}
	for i := 0; i < 5; i++ {
		now += robot.timeStep
		test.That(t, ve.Update(context.Background(), now), test.ShouldBeNil)
	}
	test.That(t, ve.filter.x.AtVec(0), test.ShouldEqual, atLiftoff)
}

func TestContactMeasurementScenario(t *testing.T) {
	robot := newTestRobot()
	robot.plantFeet(r3.Vector{X: 1})

	ve, err := NewVelocityEstimator(robot, Options{
		AccelerometerVariance: 0.1,
		SensorVariance:        0.1,
		InitialVariance:       0.1,
		WindowSize:            120,
	})
	test.That(t, err, test.ShouldBeNil)

	// zero net acceleration, constant (1, 0, 0) kinematic measurement: the
	// smoothed x estimate climbs monotonically toward 1
	previous := 0.0
	now := 0.0
	for i := 0; i < 5; i++ {
		now += robot.timeStep
		test.That(t, ve.Update(context.Background(), now), test.ShouldBeNil)

		v := ve.EstimatedVelocity()
		test.That(t, v.X, test.ShouldBeGreaterThan, previous)
		test.That(t, v.X, test.ShouldBeLessThan, 1)
		test.That(t, v.Y, test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, v.Z, test.ShouldAlmostEqual, 0, 1e-9)
		previous = v.X
	}
	test.That(t, previous, test.ShouldBeGreaterThan, 0.85)
}

func TestMeasurementAveragesContactLegsOnly(t *testing.T) {
	robot := newTestRobot()
	// legs 0 and 2 in contact, disagreeing on the base velocity
	robot.contacts = [NumLegs]bool{true, false, true, false}
	robot.motorVels = []float64{
		-1, 0, 0,
		99, 99, 99, // ignored, leg 1 is airborne
		-3, 0, 0,
		99, 99, 99, // ignored, leg 3 is airborne
	}

	ve, err := NewVelocityEstimator(robot, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ve.Update(context.Background(), 0.002), test.ShouldBeNil)

	// first correction pulls the state 2/3 toward the mean measurement (2, 0, 0)
	test.That(t, ve.filter.x.AtVec(0), test.ShouldAlmostEqual, 4.0/3.0, 1e-9)
}

func TestRobotReadErrorsPropagate(t *testing.T) {
	t.Run("foot contacts", func(t *testing.T) {
		robot := newTestRobot()
		sentinel := errors.New("contact bus timeout")
		robot.contactsErr = sentinel

		ve, err := NewVelocityEstimator(robot, DefaultOptions())
		test.That(t, err, test.ShouldBeNil)
		err = ve.Update(context.Background(), 0.002)
		test.That(t, errors.Is(err, sentinel), test.ShouldBeTrue)
	})

	t.Run("jacobian", func(t *testing.T) {
		robot := newTestRobot()
		robot.plantFeet(r3.Vector{X: 1})
		sentinel := errors.New("kinematics unavailable")
		robot.jacobianFunc = func(leg int) (*mat.Dense, error) { return nil, sentinel }

		ve, err := NewVelocityEstimator(robot, DefaultOptions())
		test.That(t, err, test.ShouldBeNil)
		err = ve.Update(context.Background(), 0.002)
		test.That(t, errors.Is(err, sentinel), test.ShouldBeTrue)
	})

	t.Run("short motor velocity slice", func(t *testing.T) {
		robot := newTestRobot()
		robot.contacts = [NumLegs]bool{true}
		robot.motorVels = []float64{1, 2, 3}

		ve, err := NewVelocityEstimator(robot, DefaultOptions())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ve.Update(context.Background(), 0.002), test.ShouldNotBeNil)
	})
}

func TestResetIdempotence(t *testing.T) {
	robot := newTestRobot()
	robot.plantFeet(r3.Vector{X: 1, Y: -0.5})

	ve, err := NewVelocityEstimator(robot, DefaultOptions())
	test.That(t, err, test.ShouldBeNil)
	for i := 1; i <= 10; i++ {
		test.That(t, ve.Update(context.Background(), float64(i)*robot.timeStep), test.ShouldBeNil)
	}
	test.That(t, ve.EstimatedVelocity().X, test.ShouldBeGreaterThan, 0)

	assertPristine := func() {
		t.Helper()
		test.That(t, ve.EstimatedVelocity(), test.ShouldResemble, r3.Vector{})
		test.That(t, ve.started, test.ShouldBeFalse)
		test.That(t, mat.Equal(ve.filter.x, mat.NewVecDense(3, nil)), test.ShouldBeTrue)
		test.That(t, mat.Equal(ve.filter.p, newDiagonal(0.1)), test.ShouldBeTrue)
		test.That(t, ve.smoothX.count(), test.ShouldEqual, 0)
		test.That(t, ve.smoothY.count(), test.ShouldEqual, 0)
		test.That(t, ve.smoothZ.count(), test.ShouldEqual, 0)
	}

	ve.Reset()
	assertPristine()
	ve.Reset()
	assertPristine()

	// post-reset, the first tick again falls back to the control period
	test.That(t, ve.Update(context.Background(), 42.0), test.ShouldBeNil)
	test.That(t, ve.lastTimestamp, test.ShouldEqual, 42.0)
}
