package sqlitebridge

import (
	"sync"

	"github.com/go-pkgz/lgr"
)

// LoadConfig controls where the native engine is loaded from.
type LoadConfig struct {
	// Path to the sqlite3 shared library; when empty SQLITEBRIDGE_LIB_PATH
	// and then the platform default names are tried.
	Path string
}

// Config is the global bridge configuration.
type Config struct {
	// Logger receives bridge diagnostics; lgr.NoOp when nil.
	Logger lgr.L
	// Library is forwarded to InitLibrary.
	Library LoadConfig
}

var (
	initOnce sync.Once
	initErr  error

	logger lgr.L = lgr.NoOp
)

// Setup installs the logger and loads the native library.
// It must be called before any connection is opened to take effect for the logger.
func Setup(config Config) error {
	if config.Logger != nil {
		logger = config.Logger
	}
	return InitLibrary(config.Library)
}

// InitLibrary loads the engine, binds every entry point and creates the callback
// trampolines. Only the first call does any work; later calls return its result.
func InitLibrary(config LoadConfig) error {
	initOnce.Do(func() {
		lib, path, err := loadLibrary(config)
		if err != nil {
			initErr = err
			return
		}
		if err := registerSQLite(lib); err != nil {
			initErr = err
			return
		}
		registerTrampolines()
		logger.Logf("[DEBUG] loaded sqlite %s from %s", libversion(), path)
	})
	return initErr
}

func ensureLibrary() error {
	return InitLibrary(LoadConfig{})
}
