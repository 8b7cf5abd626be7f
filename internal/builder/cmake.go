package builder

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/qobs-build/pyext/internal/msg"
)

var (
	ErrToolNotFound = errors.New("build tool not found in PATH")
)

const (
	ConfigDebug   = "Debug"
	ConfigRelease = "Release"

	// parallelEnv is read by cmake --build itself
	parallelEnv  = "CMAKE_BUILD_PARALLEL_LEVEL"
	archFlagsEnv = "ARCHFLAGS"
)

const (
	PhaseConfigure = "configure"
	PhaseBuild     = "build"
)

// Target is one native extension module
type Target struct {
	Name      string `json:"name"`       // dotted module path, e.g. optree._C
	SourceDir string `json:"source_dir"` // absolute directory holding CMakeLists.txt
}

// NewTarget returns a target with an absolute source directory. An empty
// sourceDir means the current directory.
func NewTarget(name, sourceDir string) (Target, error) {
	if name == "" {
		return Target{}, errors.New("extension name is empty")
	}
	if sourceDir == "" {
		sourceDir = "."
	}
	abs, err := filepath.Abs(sourceDir)
	if err != nil {
		return Target{}, err
	}
	return Target{Name: name, SourceDir: abs}, nil
}

// PathResolver maps a module name to the path its compiled artifact must have
type PathResolver func(moduleName string) string

// ExtPathResolver lays out artifacts the way Python imports them:
// pkg._C becomes <buildLib>/pkg/_C<extSuffix>.
func ExtPathResolver(buildLib, extSuffix string) PathResolver {
	return func(moduleName string) string {
		parts := append([]string{buildLib}, strings.Split(moduleName, ".")...)
		return filepath.Join(parts...) + extSuffix
	}
}

// Options controls a single extension build
type Options struct {
	Debug       bool
	Parallel    int // 0 lets the build tool decide
	DryRun      bool
	BuildTemp   string
	Interpreter Interpreter
	ResolvePath PathResolver
	Defines     map[string]string // extra -D settings
	ExtraArgs   []string          // extra configure arguments
	PackageData []string          // artifact globs, relative to the library output directory
}

// Configuration is derived from the target, the options and the environment
// on every build
type Configuration struct {
	Label            string      `json:"label"`
	WorkDir          string      `json:"work_dir"`
	ArtifactPath     string      `json:"artifact_path"`
	LibraryOutputDir string      `json:"library_output_dir"`
	ArchiveOutputDir string      `json:"archive_output_dir"`
	Interpreter      Interpreter `json:"interpreter"`
	Architectures    []string    `json:"architectures,omitempty"`
	Parallel         int         `json:"parallel,omitempty"`
	ParallelFromEnv  bool        `json:"parallel_from_env,omitempty"`
}

// ConfigureArgs returns the -D settings of the configure phase
func (c Configuration) ConfigureArgs(defines map[string]string, extra []string) []string {
	upper := strings.ToUpper(c.Label)
	args := []string{
		"-DCMAKE_BUILD_TYPE=" + c.Label,
		"-DCMAKE_LIBRARY_OUTPUT_DIRECTORY_" + upper + "=" + c.LibraryOutputDir,
		"-DCMAKE_ARCHIVE_OUTPUT_DIRECTORY_" + upper + "=" + c.ArchiveOutputDir,
		"-DPYTHON_EXECUTABLE=" + c.Interpreter.Executable,
		"-DPYTHON_INCLUDE_DIR=" + c.Interpreter.PlatInclude,
	}
	if len(c.Architectures) > 0 {
		args = append(args, "-DCMAKE_OSX_ARCHITECTURES="+strings.Join(c.Architectures, ";"))
	}
	if c.Interpreter.HasHelper() {
		args = append(args, "-DPYBIND11_CMAKE_DIR="+c.Interpreter.HelperCMakeDir)
	}
	for _, key := range slices.Sorted(maps.Keys(defines)) {
		args = append(args, "-D"+key+"="+defines[key])
	}
	return append(args, extra...)
}

// BuildArgs returns the arguments following `--build .`
func (c Configuration) BuildArgs() []string {
	args := []string{"--config", c.Label}
	if !c.ParallelFromEnv && c.Parallel > 0 {
		return append(args, "--parallel="+strconv.Itoa(c.Parallel))
	}
	return append(args, "--parallel")
}

var archRegex = regexp.MustCompile(`-arch\s+(\S+)`)

// parseArchFlags extracts the values of -arch flags
func parseArchFlags(flags string) []string {
	var archs []string
	for _, m := range archRegex.FindAllStringSubmatch(flags, -1) {
		archs = append(archs, m[1])
	}
	return archs
}

// Runner spawns a subprocess in the current working directory
type Runner interface {
	Run(ctx context.Context, argv []string) error
}

// ExecRunner runs commands with their output indented on the terminal
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) error {
	msg.Command(argv)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &msg.IndentWriter{Indent: "    ", W: os.Stdout}
	cmd.Stderr = &msg.IndentWriter{Indent: "    ", W: os.Stderr}
	return cmd.Run()
}

// SubprocessError is returned when the configure or build phase exits nonzero
type SubprocessError struct {
	Phase    string
	Args     []string
	ExitCode int
	Err      error
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("%s failed (exit code %d): %s: %v", e.Phase, e.ExitCode, strings.Join(e.Args, " "), e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// Orchestrator builds extensions with an external CMake-style tool
type Orchestrator struct {
	Tool      string
	Runner    Runner
	LookPath  func(file string) (string, error)
	LookupEnv func(key string) (string, bool)
	GOOS      string
}

func NewOrchestrator(tool string) *Orchestrator {
	if tool == "" {
		tool = "cmake"
	}
	return &Orchestrator{
		Tool:      tool,
		Runner:    ExecRunner{},
		LookPath:  exec.LookPath,
		LookupEnv: os.LookupEnv,
		GOOS:      runtime.GOOS,
	}
}

// Configure derives the build configuration of target
func (o *Orchestrator) Configure(target Target, workDir string, opts Options) Configuration {
	cfg := Configuration{
		Label:            ConfigRelease,
		WorkDir:          workDir,
		ArchiveOutputDir: workDir,
		Interpreter:      opts.Interpreter,
		Parallel:         opts.Parallel,
	}
	if opts.Debug {
		cfg.Label = ConfigDebug
	}

	resolve := opts.ResolvePath
	if resolve == nil {
		resolve = ExtPathResolver(filepath.Join(workDir, "lib"), opts.Interpreter.ExtSuffix)
	}
	if artifact, err := filepath.Abs(resolve(target.Name)); err == nil {
		cfg.ArtifactPath = artifact
		cfg.LibraryOutputDir = filepath.Dir(artifact)
	}

	if o.GOOS == "darwin" {
		if flags, ok := o.LookupEnv(archFlagsEnv); ok {
			cfg.Architectures = parseArchFlags(flags)
		}
	}
	_, cfg.ParallelFromEnv = o.LookupEnv(parallelEnv)

	return cfg
}

// inDir runs fn with dir as the process working directory and always
// changes back afterwards
func inDir(dir string, fn func() error) (err error) {
	orig, err := os.Getwd()
	if err != nil {
		return err
	}
	if err := os.Chdir(dir); err != nil {
		return err
	}
	defer func() {
		if cerr := os.Chdir(orig); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore working directory: %w", cerr))
		}
	}()
	return fn()
}

func (o *Orchestrator) spawn(ctx context.Context, phase string, argv []string) error {
	if err := o.Runner.Run(ctx, argv); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &SubprocessError{Phase: phase, Args: argv, ExitCode: exitCode, Err: err}
	}
	return nil
}

// BuildExtension configures and builds target. The returned result is
// non-nil even on failure and records how far the build got.
func (o *Orchestrator) BuildExtension(ctx context.Context, target Target, opts Options) (*BuildResult, error) {
	result := &BuildResult{Target: target, State: StateNotStarted}

	tool, err := o.LookPath(o.Tool)
	if err != nil {
		return result.fail(fmt.Errorf("%w: %s", ErrToolNotFound, o.Tool))
	}
	result.advance(StateToolResolved)

	// relative paths are relative to the caller, not to the work dir
	if target, err = NewTarget(target.Name, target.SourceDir); err != nil {
		return result.fail(err)
	}
	result.Target = target

	buildTemp, err := filepath.Abs(opts.BuildTemp)
	if err != nil {
		return result.fail(err)
	}
	workDir := filepath.Join(buildTemp, target.Name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return result.fail(fmt.Errorf("failed to create build directory: %w", err))
	}
	result.advance(StateDirectoryReady)

	cfg := o.Configure(target, workDir, opts)
	result.Configuration = cfg
	result.ConfigureArgs = cfg.ConfigureArgs(opts.Defines, opts.ExtraArgs)
	result.BuildArgs = cfg.BuildArgs()

	err = inDir(workDir, func() error {
		msg.Step("Configuring", "%s (%s)", target.Name, cfg.Label)
		configure := append([]string{tool, target.SourceDir}, result.ConfigureArgs...)
		if err := o.spawn(ctx, PhaseConfigure, configure); err != nil {
			return err
		}
		result.advance(StateConfigured)

		if opts.DryRun {
			return nil
		}

		msg.Step("Building", "%s", target.Name)
		build := append([]string{tool, "--build", "."}, result.BuildArgs...)
		if err := o.spawn(ctx, PhaseBuild, build); err != nil {
			return err
		}
		result.advance(StateBuilt)
		return nil
	})
	if err != nil {
		return result.fail(err)
	}

	if opts.DryRun {
		result.advance(StateDone)
		return result, nil
	}

	if err := result.collectArtifacts(opts.PackageData); err != nil {
		return result.fail(err)
	}
	result.advance(StateDone)
	if err := result.Save(workDir); err != nil {
		msg.Warn("failed to save build state: %v", err)
	}
	return result, nil
}
