// Package raytracer knows how to drive the external raytracer binary: the
// generate-mode call that splits a map into areas and the run-mode call that
// processes a single area.
package raytracer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"raydist/internal/core"
	"raydist/internal/workspace"
)

// ConfigName is the job manifest name passed to generate mode with -F. Every
// area job references the manifest by this name.
const ConfigName = "config"

// ErrNoConfig is returned when generate mode exits 0 but left no manifest
// behind.
var ErrNoConfig = errors.New("raytracer produced no configuration artifact")

// ConfigHandle names the job manifest inside a staged workspace.
type ConfigHandle struct {
	// Name is the manifest name as given to the raytracer (relative to the
	// workspace).
	Name string

	// Path is the absolute path of the manifest.
	Path string
}

// GenerateArgs returns the generate-mode arguments for desc.
//
// The roadside-unit flag is emitted only when a definitions file is set; an
// empty value is never passed.
func GenerateArgs(desc core.RunDescriptor, config string) []string {
	args := []string{
		"-g",
		"-b", desc.StreetName(),
		"-r", strconv.Itoa(desc.RayCount),
		"-i", formatFloat(desc.Increment),
		"-c", strconv.Itoa(desc.Cores),
		"-G", formatFloat(desc.RxGain),
		"-N", strconv.Itoa(desc.AreaCount),
		"-F", config,
	}
	if desc.RSUDefFile != "" {
		args = append(args, "-R", desc.RSUDefFile)
	}
	return args
}

// RunArgs returns the run-mode positional arguments for one area.
func RunArgs(config string, area int) []string {
	return []string{config, strconv.Itoa(area)}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Generator invokes generate mode inside a workspace.
type Generator struct {
	Runner core.Runner
	Logger *zap.Logger
}

func NewGenerator(runner core.Runner, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{Runner: runner, Logger: logger}
}

// Generate runs the staged raytracer in generate mode with the workspace as
// its working directory and returns the manifest it wrote.
//
// A non-zero exit is returned as *core.ExitError. Nothing is dispatched by
// the caller in that case.
func (g *Generator) Generate(ctx context.Context, ws *workspace.Workspace, desc core.RunDescriptor) (ConfigHandle, error) {
	if g.Runner == nil {
		return ConfigHandle{}, errors.New("generator has no runner")
	}
	if ws == nil || ws.BinaryPath == "" {
		return ConfigHandle{}, errors.New("workspace has no staged raytracer")
	}

	cmd := core.Command{
		Name: "raytracer-generate",
		Path: ws.BinaryPath,
		Args: GenerateArgs(desc, ConfigName),
		Dir:  ws.Dir,
	}
	g.Logger.Info("generating area configuration",
		zap.String("command", cmd.String()),
		zap.Int("areas", desc.AreaCount),
	)

	res, err := g.Runner.Execute(ctx, cmd)
	if err != nil {
		return ConfigHandle{}, err
	}
	if err := core.CheckExit(res); err != nil {
		return ConfigHandle{}, err
	}
	g.Logger.Debug("raytracer generate finished", zap.Duration("elapsed", res.Duration))

	handle := ConfigHandle{Name: ConfigName, Path: filepath.Join(ws.Dir, ConfigName)}
	ok, err := hasConfigArtifact(ws.Dir, ConfigName)
	if err != nil {
		return ConfigHandle{}, err
	}
	if !ok {
		return ConfigHandle{}, fmt.Errorf("%w in %s", ErrNoConfig, ws.Dir)
	}
	return handle, nil
}

// hasConfigArtifact reports whether dir holds the manifest or any file the
// raytracer derived from its name (e.g. config.0, config.xml).
func hasConfigArtifact(dir, name string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read workspace: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == name || strings.HasPrefix(e.Name(), name+".") {
			return true, nil
		}
	}
	return false, nil
}

var partialPattern = regexp.MustCompile(`^.+-(\d+)` + regexp.QuoteMeta(core.ResultSuffix) + `$`)

// ParsePartialName extracts the area index from a partial result file name of
// the form "<anything>-<area>.urae.k".
func ParsePartialName(name string) (area int, ok bool) {
	m := partialPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// PartialGlob is the shell glob matching the partial results of one area.
func PartialGlob(area int) string {
	return "*-" + strconv.Itoa(area) + core.ResultSuffix
}
