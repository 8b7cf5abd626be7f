package builder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/qobs-build/pyext/internal/msg"
	"github.com/qobs-build/pyext/internal/version"
)

var (
	errNoVersionFile = errors.New("no version-file configured in [package]")
)

// BuildOptions are the command line knobs of a build
type BuildOptions struct {
	Debug     bool
	Parallel  int
	DryRun    bool
	BuildTemp string // overrides build.build-temp
	BuildLib  string // overrides build.build-lib
	Version   string // overrides the pinned version
}

// Builder builds every extension of one project
type Builder struct {
	cfg     *Config
	basedir string
	env     ConfigEnv

	Orchestrator *Orchestrator
	// DetectInterpreter finds the Python the extensions are built against
	DetectInterpreter func(ctx context.Context) (Interpreter, error)
}

func NewBuilderInDirectory(path string) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv()
	cfg, err := ParseConfigFromFile(filepath.Join(path, ConfigFilename), env)
	if err != nil {
		return nil, err
	}
	return &Builder{
		cfg:               cfg,
		basedir:           path,
		env:               env,
		Orchestrator:      NewOrchestrator(cfg.CMake.Executable),
		DetectInterpreter: DetectInterpreter,
	}, nil
}

func (b *Builder) Config() *Config { return b.cfg }

// abs resolves path against the project directory
func (b *Builder) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(b.basedir, path)
}

func (b *Builder) fields() version.Fields {
	return version.Fields{Release: b.cfg.Package.ReleaseField, Version: b.cfg.Package.VersionField}
}

// VersionFile returns the absolute path of the version file
func (b *Builder) VersionFile() (string, error) {
	if b.cfg.Package.VersionFile == "" {
		return "", errNoVersionFile
	}
	return b.abs(b.cfg.Package.VersionFile), nil
}

// LoadVersion parses the version file. It returns nil when the project has none.
func (b *Builder) LoadVersion() (*version.Info, error) {
	path, err := b.VersionFile()
	if errors.Is(err, errNoVersionFile) {
		return nil, nil
	}
	return version.Load(path, b.fields())
}

// PinnedVersion returns the version a build writes into the version file
func (b *Builder) PinnedVersion(info *version.Info) (string, error) {
	return version.DevVersion(info, b.basedir)
}

// StampRelease marks the project's version file as released. With dryRun
// the file is left alone and the would-be diff is returned.
func (b *Builder) StampRelease(dryRun bool) (string, error) {
	path, err := b.VersionFile()
	if err != nil {
		return "", err
	}
	if dryRun {
		return version.PreviewRelease(path, b.fields())
	}
	return "", version.StampRelease(path, b.fields())
}

// Targets returns the configured extensions sorted by module name
func (b *Builder) Targets() ([]Target, error) {
	names := b.cfg.ExtensionNames()
	targets := make([]Target, 0, len(names))
	for _, name := range names {
		target, err := NewTarget(name, b.abs(b.cfg.Extensions[name]))
		if err != nil {
			return nil, fmt.Errorf("invalid extension %q: %w", name, err)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func (b *Builder) options(interp Interpreter, opts BuildOptions) Options {
	buildTemp, buildLib := b.cfg.Build.BuildTemp, b.cfg.Build.BuildLib
	if opts.BuildTemp != "" {
		buildTemp = opts.BuildTemp
	}
	if opts.BuildLib != "" {
		buildLib = opts.BuildLib
	}

	return Options{
		Debug:       opts.Debug,
		Parallel:    opts.Parallel,
		DryRun:      opts.DryRun,
		BuildTemp:   b.abs(buildTemp),
		Interpreter: interp,
		ResolvePath: ExtPathResolver(b.abs(buildLib), interp.ExtSuffix),
		Defines:     b.cfg.CMake.Defines,
		ExtraArgs:   b.cfg.CMake.Args,
		PackageData: b.cfg.Build.PackageData,
	}
}

// Build pins the version file, builds every extension in order and restores
// the version file, whatever the outcome.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) ([]*BuildResult, error) {
	if err := b.cfg.CheckRequire(b.env); err != nil {
		return nil, err
	}

	targets, err := b.Targets()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		msg.Warn("no extensions in %s, nothing to build", ConfigFilename)
		return nil, nil
	}

	info, err := b.LoadVersion()
	if err != nil {
		return nil, err
	}

	interp, err := b.DetectInterpreter(ctx)
	if err != nil {
		return nil, err
	}
	extOpts := b.options(interp, opts)

	var results []*BuildResult
	buildAll := func() error {
		for _, target := range targets {
			result, err := b.Orchestrator.BuildExtension(ctx, target, extOpts)
			results = append(results, result)
			if err != nil {
				return fmt.Errorf("failed to build extension %q: %w", target.Name, err)
			}
		}
		return nil
	}

	if info == nil {
		return results, buildAll()
	}

	pinned := opts.Version
	if pinned == "" {
		if pinned, err = b.PinnedVersion(info); err != nil {
			return nil, err
		}
	}
	if !version.IsSemverLike(pinned) {
		msg.Warn("version %q does not look like a semantic version", pinned)
	}
	if info.Release {
		msg.Info("building released version %s", info.Version)
	} else {
		msg.Info("building version %s", pinned)
	}

	err = version.WithPinnedVersion(info, pinned, buildAll)
	return results, err
}
