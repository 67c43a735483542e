package quadvel

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"

	"github.com/viam-labs/quadruped-velocity/estimator"
)

// RobotConstructor builds the LeggedRobot driver a velocity-estimator
// component reads from. attributes carries the driver-specific portion of
// the component config, untouched.
type RobotConstructor func(
	ctx context.Context,
	attributes map[string]interface{},
	logger logging.Logger,
) (estimator.LeggedRobot, error)

var (
	robotRegistryMu sync.Mutex
	robotRegistry   = map[string]RobotConstructor{}
)

// RegisterRobot makes a LeggedRobot driver available to velocity-estimator
// components under the given name. Drivers register themselves from an init
// function, typically pulled in through a side-effect import in the module
// binary. Registering the same name twice panics.
func RegisterRobot(name string, constructor RobotConstructor) {
	robotRegistryMu.Lock()
	defer robotRegistryMu.Unlock()
	if name == "" {
		panic(errors.New("robot driver name is required"))
	}
	if constructor == nil {
		panic(errors.Errorf("robot driver %q registered with a nil constructor", name))
	}
	if _, ok := robotRegistry[name]; ok {
		panic(errors.Errorf("robot driver %q registered twice", name))
	}
	robotRegistry[name] = constructor
}

func robotFromName(
	ctx context.Context,
	name string,
	attributes map[string]interface{},
	logger logging.Logger,
) (estimator.LeggedRobot, error) {
	robotRegistryMu.Lock()
	constructor, ok := robotRegistry[name]
	robotRegistryMu.Unlock()
	if !ok {
		return nil, errors.Errorf("no robot driver registered with name %q", name)
	}
	return constructor(ctx, attributes, logger)
}
