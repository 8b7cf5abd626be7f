package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInterpreterNotFound = errors.New("no Python interpreter found (set PYTHON or add python3 to PATH)")
)

var commonInterpreters = []string{"python3", "python", "py"}

// Interpreter describes the Python installation an extension is built for
type Interpreter struct {
	Executable  string `json:"executable"`
	PlatInclude string `json:"plat_include"`
	ExtSuffix   string `json:"ext_suffix"`
	// HelperCMakeDir is pybind11's CMake directory, empty when pybind11 is not importable
	HelperCMakeDir string `json:"helper_cmake_dir,omitempty"`
}

// HasHelper reports whether the binding helper library is available
func (i Interpreter) HasHelper() bool {
	return i.HelperCMakeDir != ""
}

// findInterpreter attempts to find a Python interpreter on the system
func findInterpreter() string {
	if python := os.Getenv("PYTHON"); python != "" {
		return python
	}

	for _, name := range commonInterpreters {
		path, err := exec.LookPath(name)
		if err == nil {
			return path
		}
	}

	return ""
}

func defaultExtSuffix() string {
	if runtime.GOOS == "windows" {
		return ".pyd"
	}
	return ".so"
}

const (
	probePlatInclude = `import sysconfig; print(sysconfig.get_path("platinclude"))`
	probeExtSuffix   = `import sysconfig; print(sysconfig.get_config_var("EXT_SUFFIX") or "")`
	probeHelper      = `import pybind11; print(pybind11.get_cmake_dir())`
)

func evalPython(ctx context.Context, executable, code string) (string, error) {
	out, err := exec.CommandContext(ctx, executable, "-c", code).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%s -c %q: %w\n%s", executable, code, err, exitErr.Stderr)
		}
		return "", fmt.Errorf("%s -c %q: %w", executable, code, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ProbeInterpreter asks the interpreter for its platform include directory,
// its extension suffix and, if pybind11 is importable, pybind11's CMake
// directory.
func ProbeInterpreter(ctx context.Context, executable string) (Interpreter, error) {
	interp := Interpreter{Executable: executable}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		interp.PlatInclude, err = evalPython(ctx, executable, probePlatInclude)
		return err
	})
	eg.Go(func() (err error) {
		interp.ExtSuffix, err = evalPython(ctx, executable, probeExtSuffix)
		return err
	})
	eg.Go(func() error {
		// missing pybind11 is not an error
		interp.HelperCMakeDir, _ = evalPython(ctx, executable, probeHelper)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return Interpreter{}, fmt.Errorf("failed to probe interpreter: %w", err)
	}

	if interp.ExtSuffix == "" {
		interp.ExtSuffix = defaultExtSuffix()
	}
	return interp, nil
}

// DetectInterpreter finds and probes the interpreter
func DetectInterpreter(ctx context.Context) (Interpreter, error) {
	executable := findInterpreter()
	if executable == "" {
		return Interpreter{}, ErrInterpreterNotFound
	}
	return ProbeInterpreter(ctx, executable)
}
