package builder

import (
	"errors"

	"github.com/hashicorp/go-hclog"
)

var (
	log hclog.Logger

	initcallbacks []func()

	factories map[string]DriverFactory
)

func init() {
	factories = make(map[string]DriverFactory)
	log = hclog.L()
}

// SetLogger injects a logger into this package to allow setting up a
// logger tree, mirroring the teacher's scheduler.SetLogger /
// storage.SetLogger two-phase-init pattern.
func SetLogger(l hclog.Logger) {
	log = l.Named("builder")
}

// RegisterInitCallback defers a driver's registration until after
// config/logging init has completed.
func RegisterInitCallback(f func()) {
	initcallbacks = append(initcallbacks, f)
}

// DoCallbacks invokes every registered init callback, populating the
// factories map.
func DoCallbacks() {
	for _, cb := range initcallbacks {
		cb()
	}
}

// RegisterDriverFactory registers a named remote-build driver
// constructor.
func RegisterDriverFactory(name string, f DriverFactory) {
	factories[name] = f
	log.Info("Registered remote-build driver", "driver", name)
}

// ConstructDriver builds the named driver.
func ConstructDriver(name string) (RemoteBuildDriver, error) {
	f, ok := factories[name]
	if !ok {
		log.Warn("Tried to initialize with unknown driver name", "name", name)
		return nil, errors.New("no remote-build driver registered with name " + name)
	}
	return f()
}
