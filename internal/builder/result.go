package builder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/qobs-build/pyext/internal/msg"
)

const StateFilename = "pyext_build_state.json"

// BuildResult records one extension build
type BuildResult struct {
	RunID         string        `json:"run_id"`
	Target        Target        `json:"target"`
	State         State         `json:"state"`
	Configuration Configuration `json:"configuration"`
	ConfigureArgs []string      `json:"configure_args"`
	BuildArgs     []string      `json:"build_args"`
	Artifacts     []string      `json:"artifacts,omitempty"`
	FinishedAt    time.Time     `json:"finished_at"`
	Err           error         `json:"-"`
}

// advance panics on an out-of-order step, which can only be a bug in
// BuildExtension
func (r *BuildResult) advance(to State) {
	state, err := Transition(r.State, to)
	if err != nil {
		panic(fmt.Sprintf("build %s: %v", r.Target.Name, err))
	}
	r.State = state
}

func (r *BuildResult) fail(err error) (*BuildResult, error) {
	r.advance(StateFailed)
	r.Err = err
	return r, err
}

// collectArtifacts globs the library output directory for package data
func (r *BuildResult) collectArtifacts(patterns []string) error {
	dir := r.Configuration.LibraryOutputDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(r.Configuration.ArtifactPath); os.IsNotExist(err) {
		msg.Warn("%s was not produced at %s", r.Target.Name, r.Configuration.ArtifactPath)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	fsys := os.DirFS(dir)
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return fmt.Errorf("failed to glob %q in %s: %w", pattern, dir, err)
		}
		for _, match := range matches {
			path := filepath.Join(dir, filepath.FromSlash(match))
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				r.Artifacts = append(r.Artifacts, path)
			}
		}
	}
	slices.Sort(r.Artifacts)
	return nil
}

// Save writes the result to the build directory
func (r *BuildResult) Save(dir string) error {
	r.RunID = uuid.NewString()
	r.FinishedAt = time.Now().UTC()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, StateFilename), data, 0o644)
}

// LoadBuildResult reads the result saved by the last successful build in dir
func LoadBuildResult(dir string) (*BuildResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFilename))
	if err != nil {
		return nil, err
	}
	var r BuildResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", StateFilename, err)
	}
	return &r, nil
}
