// Go bindings for the sqlite3 C API.
//
// This file locates the native engine at runtime. No library is embedded:
// the bridge binds whatever sqlite3 build the host provides, in this order:
//
//   - LoadConfig.Path, when set
//   - the SQLITEBRIDGE_LIB_PATH environment variable
//   - well-known library names for the current platform, resolved by the
//     system loader (LD_LIBRARY_PATH, DYLD_LIBRARY_PATH, PATH, ...)
//
// The first candidate that loads wins. Errors from every attempt are kept
// so a failed load explains where it looked.
package sqlitebridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// LibPathEnv overrides the library location.
const LibPathEnv = "SQLITEBRIDGE_LIB_PATH"

// libraryCandidates returns the names tried for the current platform, most specific first.
func libraryCandidates(config LoadConfig) ([]string, error) {
	if config.Path != "" {
		return []string{config.Path}, nil
	}
	if p := os.Getenv(LibPathEnv); p != "" {
		return []string{p}, nil
	}

	switch runtime.GOOS {
	case "darwin":
		return []string{
			"libsqlite3.dylib",
			"/usr/lib/libsqlite3.dylib",
			"/opt/homebrew/opt/sqlite/lib/libsqlite3.dylib",
			"/usr/local/opt/sqlite/lib/libsqlite3.dylib",
		}, nil
	case "linux", "freebsd", "netbsd":
		names := []string{"libsqlite3.so.0", "libsqlite3.so"}
		// some distributions only ship the multiarch path without a loader cache entry
		if dir := multiarchDir(); dir != "" {
			names = append(names, filepath.Join("/usr/lib", dir, "libsqlite3.so.0"))
		}
		return names, nil
	case "windows":
		return []string{"sqlite3.dll", "winsqlite3.dll"}, nil
	default:
		return nil, fmt.Errorf("sqlitebridge: unsupported operating system: %s", runtime.GOOS)
	}
}

func multiarchDir() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64-linux-gnu"
	case "arm64":
		return "aarch64-linux-gnu"
	case "386":
		return "i386-linux-gnu"
	default:
		return ""
	}
}

// loadLibrary opens the first loadable candidate and returns its handle and name.
func loadLibrary(config LoadConfig) (uintptr, string, error) {
	candidates, err := libraryCandidates(config)
	if err != nil {
		return 0, "", err
	}
	var errs []error
	for _, name := range candidates {
		lib, err := openLibrary(name)
		if err == nil {
			return lib, name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return 0, "", fmt.Errorf("sqlitebridge: unable to load sqlite3 (set %s): %w", LibPathEnv, errors.Join(errs...))
}
