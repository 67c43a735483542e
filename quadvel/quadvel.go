// Package quadvel implements a movement sensor model that reports the
// linear velocity of a quadruped's base, estimated by fusing accelerometer
// dead reckoning with the kinematics of legs in ground contact.
package quadvel

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"

	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"

	"github.com/viam-labs/quadruped-velocity/estimator"
)

// Model is the model triplet of the velocity estimator movement sensor.
var Model = resource.NewModel("viam-labs", "quadruped", "velocity-estimator")

func init() {
	resource.RegisterComponent(
		movementsensor.API,
		Model,
		resource.Registration[movementsensor.MovementSensor, *Config]{Constructor: newEstimatorSensor})
}

// Config converts the velocity estimator's attributes. Zero-valued tuning
// fields fall back to the defaults used on the Unitree A1.
type Config struct {
	// Robot names a LeggedRobot driver previously registered through
	// RegisterRobot.
	Robot                 string                 `json:"robot"`
	RobotAttributes       map[string]interface{} `json:"robot_attributes,omitempty"`
	AccelerometerVariance float64                `json:"accelerometer_variance,omitempty"`
	SensorVariance        float64                `json:"sensor_variance,omitempty"`
	InitialVariance       float64                `json:"initial_variance,omitempty"`
	WindowSize            int                    `json:"window_size,omitempty"`
	// PollFrequencyHz overrides the robot's nominal control frequency as
	// the estimator tick rate.
	PollFrequencyHz float64 `json:"poll_frequency_hz,omitempty"`
}

// Validate ensures the config names a robot driver and that every supplied
// tuning value is usable.
func (c *Config) Validate(path string) ([]string, error) {
	if c.Robot == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "robot")
	}
	if c.AccelerometerVariance < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("accelerometer_variance must be positive"))
	}
	if c.SensorVariance < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("sensor_variance must be positive"))
	}
	if c.InitialVariance < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("initial_variance must be positive"))
	}
	if c.WindowSize < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("window_size must be positive"))
	}
	if c.PollFrequencyHz < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("poll_frequency_hz must be positive"))
	}
	return nil, nil
}

func (c *Config) estimatorOptions() estimator.Options {
	opts := estimator.DefaultOptions()
	if c.AccelerometerVariance > 0 {
		opts.AccelerometerVariance = c.AccelerometerVariance
	}
	if c.SensorVariance > 0 {
		opts.SensorVariance = c.SensorVariance
	}
	if c.InitialVariance > 0 {
		opts.InitialVariance = c.InitialVariance
	}
	if c.WindowSize > 0 {
		opts.WindowSize = c.WindowSize
	}
	return opts
}

type estimatorSensor struct {
	resource.Named
	logger logging.Logger
	clock  clock.Clock

	mu        sync.Mutex
	robot     estimator.LeggedRobot
	estimator *estimator.VelocityEstimator
	workers   rdkutils.StoppableWorkers
}

func newEstimatorSensor(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (movementsensor.MovementSensor, error) {
	es := &estimatorSensor{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
		clock:  clock.New(),
	}
	if err := es.Reconfigure(ctx, deps, conf); err != nil {
		return nil, err
	}
	return es, nil
}

func (es *estimatorSensor) Reconfigure(ctx context.Context, deps resource.Dependencies, conf resource.Config) error {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return err
	}

	// Stop the previous polling worker before taking the lock: the worker
	// takes the same lock on every tick.
	es.mu.Lock()
	workers := es.workers
	es.workers = nil
	es.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}

	robot, err := robotFromName(ctx, newConf.Robot, newConf.RobotAttributes, es.logger)
	if err != nil {
		return err
	}
	ve, err := estimator.NewVelocityEstimator(robot, newConf.estimatorOptions())
	if err != nil {
		return err
	}

	period := robot.TimeStep()
	if newConf.PollFrequencyHz > 0 {
		period = 1 / newConf.PollFrequencyHz
	}
	if period <= 0 {
		return errors.Errorf("robot driver %q reports a non-positive control period", newConf.Robot)
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	es.robot = robot
	es.estimator = ve
	es.workers = rdkutils.NewStoppableWorkers(func(cancelCtx context.Context) {
		es.pollLoop(cancelCtx, time.Duration(period*float64(time.Second)))
	})
	return nil
}

// pollLoop drives the estimator once per control period, timestamping each
// tick from the component clock.
func (es *estimatorSensor) pollLoop(ctx context.Context, period time.Duration) {
	ticker := es.clock.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := float64(es.clock.Now().UnixNano()) / float64(time.Second)

		es.mu.Lock()
		err := es.estimator.Update(ctx, now)
		if errors.Is(err, estimator.ErrClockRegression) {
			// The time base restarted underneath us; start the estimate over.
			es.logger.Warnw("clock regression, resetting velocity estimator", "error", err)
			es.estimator.Reset()
			err = nil
		}
		es.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			es.logger.Errorw("velocity estimator update failed", "error", err)
		}
	}
}

func (es *estimatorSensor) LinearVelocity(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.estimator.EstimatedVelocity(), nil
}

func (es *estimatorSensor) LinearAcceleration(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.estimator.CalibratedAcceleration(), nil
}

func (es *estimatorSensor) Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
	es.mu.Lock()
	robot := es.robot
	es.mu.Unlock()
	return robot.BaseOrientation(ctx)
}

func (es *estimatorSensor) Properties(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
	return &movementsensor.Properties{
		LinearVelocitySupported:     true,
		LinearAccelerationSupported: true,
		OrientationSupported:        true,
	}, nil
}

func (es *estimatorSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return movementsensor.DefaultAPIReadings(ctx, es, extra)
}

// DoCommand supports {"command": "reset"}, returning the estimator to its
// startup state.
func (es *estimatorSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	if name, ok := cmd["command"].(string); ok && name == "reset" {
		es.mu.Lock()
		es.estimator.Reset()
		es.mu.Unlock()
		return map[string]interface{}{"reset": true}, nil
	}
	return nil, resource.ErrDoUnimplemented
}

func (es *estimatorSensor) Position(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
	return geo.NewPoint(math.NaN(), math.NaN()), math.NaN(), movementsensor.ErrMethodUnimplementedPosition
}

func (es *estimatorSensor) CompassHeading(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return math.NaN(), movementsensor.ErrMethodUnimplementedCompassHeading
}

func (es *estimatorSensor) AngularVelocity(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
	return spatialmath.AngularVelocity{}, movementsensor.ErrMethodUnimplementedAngularVelocity
}

func (es *estimatorSensor) Accuracy(ctx context.Context, extra map[string]interface{}) (*movementsensor.Accuracy, error) {
	return nil, movementsensor.ErrMethodUnimplementedAccuracy
}

func (es *estimatorSensor) Close(ctx context.Context) error {
	es.mu.Lock()
	workers := es.workers
	es.workers = nil
	es.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
	return nil
}
