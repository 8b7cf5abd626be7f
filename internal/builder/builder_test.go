package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qobs-build/pyext/internal/version"
)

const testVersionFile = `"""optree version."""
__release__ = False  # set by stamp-release
__version__ = '0.9.0'

__all__ = ['__version__']
`

const testProjectConfig = `
[package]
name = "optree"
version-file = "optree/version.py"

[extensions]
"optree._C" = "."
"optree._D" = "src/d"
`

func writeProject(t *testing.T, config, versionFile string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	if versionFile != "" {
		if err := os.MkdirAll(filepath.Join(dir, "optree"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "optree", "version.py"), []byte(versionFile), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestBuilder(t *testing.T, dir string, runner Runner) *Builder {
	t.Helper()
	b, err := NewBuilderInDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	b.Orchestrator = newTestOrchestrator(runner, "linux", nil)
	b.DetectInterpreter = func(context.Context) (Interpreter, error) {
		return testInterpreter, nil
	}
	return b
}

func readProjectFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestBuilderBuild(t *testing.T) {
	dir := writeProject(t, testProjectConfig, testVersionFile)
	versionPath := filepath.Join(dir, "optree", "version.py")

	var seenVersions []string
	runner := &fakeRunner{onRun: func(argv []string) error {
		if argv[1] == "--build" {
			seenVersions = append(seenVersions, readProjectFile(t, versionPath))
		}
		return nil
	}}
	b := newTestBuilder(t, dir, runner)

	before, _ := os.Getwd()
	results, err := b.Build(context.Background(), BuildOptions{Parallel: 2, Version: "0.9.0+3.gabcdef0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after, _ := os.Getwd(); after != before {
		t.Fatalf("working directory not restored: %s != %s", after, before)
	}

	if len(results) != 2 || results[0].Target.Name != "optree._C" || results[1].Target.Name != "optree._D" {
		t.Fatalf("unexpected results %+v", results)
	}
	for _, result := range results {
		if result.State != StateDone {
			t.Errorf("%s: state = %s", result.Target.Name, result.State)
		}
	}
	if results[0].Target.SourceDir != dir || results[1].Target.SourceDir != filepath.Join(dir, "src", "d") {
		t.Errorf("unexpected source dirs %q %q", results[0].Target.SourceDir, results[1].Target.SourceDir)
	}
	if got := results[0].Configuration.ArtifactPath; got != filepath.Join(dir, "build", "lib", "optree", "_C"+testInterpreter.ExtSuffix) {
		t.Errorf("artifact path = %s", got)
	}
	if got := results[0].Configuration.WorkDir; got != filepath.Join(dir, "build", "temp", "optree._C") {
		t.Errorf("work dir = %s", got)
	}
	if got := results[0].BuildArgs; got[len(got)-1] != "--parallel=2" {
		t.Errorf("build args = %q", got)
	}

	if len(seenVersions) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(seenVersions))
	}
	for _, content := range seenVersions {
		if !strings.Contains(content, "__version__ = '0.9.0+3.gabcdef0'") {
			t.Errorf("version not pinned during build:\n%s", content)
		}
	}
	if got := readProjectFile(t, versionPath); got != testVersionFile {
		t.Errorf("version file not restored:\n%s", got)
	}
}

func TestBuilderBuildFailureRestoresVersion(t *testing.T) {
	dir := writeProject(t, testProjectConfig, testVersionFile)
	versionPath := filepath.Join(dir, "optree", "version.py")

	errExit := errors.New("exit status 2")
	runner := &fakeRunner{onRun: func(argv []string) error {
		if argv[1] == "--build" {
			return errExit
		}
		return nil
	}}
	b := newTestBuilder(t, dir, runner)

	results, err := b.Build(context.Background(), BuildOptions{Version: "1.0.0-dev"})
	if !errors.Is(err, errExit) {
		t.Fatalf("expected build failure, got %v", err)
	}
	if !strings.Contains(err.Error(), `"optree._C"`) {
		t.Errorf("error does not name the extension: %v", err)
	}
	if len(results) != 1 || results[0].State != StateFailed {
		t.Fatalf("expected the first extension to fail and stop the build, got %+v", results)
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 calls, got %d", len(runner.calls))
	}
	if got := readProjectFile(t, versionPath); got != testVersionFile {
		t.Errorf("version file not restored:\n%s", got)
	}
}

func TestBuilderBuildReleased(t *testing.T) {
	released := strings.Replace(testVersionFile, "__release__ = False", "__release__ = True", 1)
	dir := writeProject(t, testProjectConfig, released)
	versionPath := filepath.Join(dir, "optree", "version.py")

	runner := &fakeRunner{onRun: func(argv []string) error {
		if got := readProjectFile(t, versionPath); got != released {
			t.Errorf("released version file modified during build:\n%s", got)
		}
		return nil
	}}
	b := newTestBuilder(t, dir, runner)

	if _, err := b.Build(context.Background(), BuildOptions{Version: "2.0.0"}); err != nil {
		t.Fatal(err)
	}
	if got := readProjectFile(t, versionPath); got != released {
		t.Errorf("released version file modified:\n%s", got)
	}
}

func TestBuilderBuildWithoutVersionFile(t *testing.T) {
	dir := writeProject(t, "[extensions]\n\"pkg._C\" = \".\"\n", "")
	runner := &fakeRunner{}
	b := newTestBuilder(t, dir, runner)

	results, err := b.Build(context.Background(), BuildOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || len(runner.calls) != 1 {
		t.Fatalf("expected a single configure call, got %q", runner.calls)
	}
	if _, err := b.StampRelease(false); err == nil {
		t.Fatal("expected stamp-release to fail without a version file")
	}
}

func TestBuilderBuildRequire(t *testing.T) {
	dir := writeProject(t, "[package]\nname = \"optree\"\nrequire = 'target_os == \"plan9\"'\n[extensions]\n\"pkg._C\" = \".\"\n", "")
	runner := &fakeRunner{}
	b := newTestBuilder(t, dir, runner)

	if _, err := b.Build(context.Background(), BuildOptions{}); err == nil {
		t.Fatal("expected require to fail")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no calls, got %q", runner.calls)
	}
}

func TestBuilderInterpreterNotFound(t *testing.T) {
	dir := writeProject(t, testProjectConfig, testVersionFile)
	runner := &fakeRunner{}
	b := newTestBuilder(t, dir, runner)
	b.DetectInterpreter = func(context.Context) (Interpreter, error) {
		return Interpreter{}, ErrInterpreterNotFound
	}

	if _, err := b.Build(context.Background(), BuildOptions{}); !errors.Is(err, ErrInterpreterNotFound) {
		t.Fatalf("expected ErrInterpreterNotFound, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("expected no calls, got %q", runner.calls)
	}
}

func TestBuilderStampRelease(t *testing.T) {
	dir := writeProject(t, testProjectConfig, testVersionFile)
	versionPath := filepath.Join(dir, "optree", "version.py")
	b := newTestBuilder(t, dir, &fakeRunner{})

	diff, err := b.StampRelease(true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diff, "-__release__ = False") || !strings.Contains(diff, "+__release__ = True") {
		t.Errorf("unexpected diff:\n%s", diff)
	}
	if got := readProjectFile(t, versionPath); got != testVersionFile {
		t.Fatalf("dry run modified the version file:\n%s", got)
	}

	if _, err := b.StampRelease(false); err != nil {
		t.Fatal(err)
	}
	info, err := b.LoadVersion()
	if err != nil {
		t.Fatal(err)
	}
	if !info.Release || info.Version != "0.9.0" {
		t.Fatalf("unexpected version info %+v", info)
	}
	if !strings.Contains(readProjectFile(t, versionPath), "__release__ = True  # set by stamp-release") {
		t.Error("trailing comment not kept")
	}
}

func TestBuilderStampReleaseDryRunInvalidEncoding(t *testing.T) {
	dir := writeProject(t, testProjectConfig, testVersionFile+"\xff\n")
	b := newTestBuilder(t, dir, &fakeRunner{})

	if _, err := b.StampRelease(true); !errors.Is(err, version.ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding from the dry run, got %v", err)
	}
	if _, err := b.StampRelease(false); !errors.Is(err, version.ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}
