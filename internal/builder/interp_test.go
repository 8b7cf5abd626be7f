package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakePython writes a shell script answering the three probes. Each answer
// is a shell snippet run when the -c code mentions the matching query.
func fakePython(t *testing.T, platInclude, extSuffix, helper string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}

	script := `#!/bin/sh
case "$2" in
*platinclude*) ` + platInclude + ` ;;
*EXT_SUFFIX*) ` + extSuffix + ` ;;
*pybind11*) ` + helper + ` ;;
*) exit 2 ;;
esac
`
	path := filepath.Join(t.TempDir(), "python3")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const (
	answerInclude = `echo /usr/include/python3.12`
	answerSuffix  = `echo .cpython-312-x86_64-linux-gnu.so`
	answerHelper  = `echo /site-packages/pybind11/share/cmake/pybind11`
	answerNoHelp  = `echo "ModuleNotFoundError: No module named 'pybind11'" >&2; exit 1`
)

func TestProbeInterpreter(t *testing.T) {
	testCases := []struct {
		name      string
		extSuffix string
		helper    string
		want      Interpreter
	}{
		{
			name:      "with helper",
			extSuffix: answerSuffix,
			helper:    answerHelper,
			want: Interpreter{
				PlatInclude:    "/usr/include/python3.12",
				ExtSuffix:      ".cpython-312-x86_64-linux-gnu.so",
				HelperCMakeDir: "/site-packages/pybind11/share/cmake/pybind11",
			},
		},
		{
			name:      "helper not importable",
			extSuffix: answerSuffix,
			helper:    answerNoHelp,
			want: Interpreter{
				PlatInclude: "/usr/include/python3.12",
				ExtSuffix:   ".cpython-312-x86_64-linux-gnu.so",
			},
		},
		{
			name:      "empty extension suffix",
			extSuffix: `echo`,
			helper:    answerNoHelp,
			want: Interpreter{
				PlatInclude: "/usr/include/python3.12",
				ExtSuffix:   defaultExtSuffix(),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			exe := fakePython(t, answerInclude, tc.extSuffix, tc.helper)
			tc.want.Executable = exe

			got, err := ProbeInterpreter(context.Background(), exe)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v\nwant %+v", got, tc.want)
			}
			if got.HasHelper() != (tc.want.HelperCMakeDir != "") {
				t.Errorf("HasHelper() = %v", got.HasHelper())
			}
		})
	}
}

func TestProbeInterpreterFailure(t *testing.T) {
	exe := fakePython(t, `echo "no sysconfig here" >&2; exit 1`, answerSuffix, answerHelper)

	got, err := ProbeInterpreter(context.Background(), exe)
	if err == nil {
		t.Fatalf("expected an error, got %+v", got)
	}
	if !strings.Contains(err.Error(), "no sysconfig here") {
		t.Errorf("error does not carry the interpreter's stderr: %v", err)
	}
	if got != (Interpreter{}) {
		t.Errorf("expected a zero interpreter, got %+v", got)
	}
}

func TestDetectInterpreter(t *testing.T) {
	exe := fakePython(t, answerInclude, answerSuffix, answerNoHelp)
	t.Setenv("PYTHON", exe)

	got, err := DetectInterpreter(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Executable != exe || got.PlatInclude != "/usr/include/python3.12" {
		t.Fatalf("unexpected interpreter %+v", got)
	}

	t.Setenv("PYTHON", "")
	t.Setenv("PATH", t.TempDir())
	if _, err := DetectInterpreter(context.Background()); !errors.Is(err, ErrInterpreterNotFound) {
		t.Fatalf("expected ErrInterpreterNotFound, got %v", err)
	}
}
