// Package workspace creates and destroys the isolated staging directory of a
// raytracing run.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raydist/internal/core"
)

const (
	// Suffix is appended to the street name to form the workspace name.
	Suffix = "-temp"

	// MediatorSuffix is appended to the workspace name to form the mediator
	// script name. The script lives beside the workspace, not inside it.
	MediatorSuffix = ".sim.sh"
)

var (
	ErrWorkspaceExists = errors.New("workspace already exists")
	ErrNoInputs        = errors.New("no map inputs match base name")
)

// Workspace is the staging area owned by exactly one run.
type Workspace struct {
	// Name is "<street>-temp". It doubles as the cluster job group name.
	Name string

	// Root is the directory the workspace is created in.
	Root string

	// Dir is Root/Name.
	Dir string

	// MediatorPath is Root/Name.sim.sh.
	MediatorPath string

	// BinaryPath is the staged raytracer executable inside Dir.
	BinaryPath string

	// Inputs are the staged map input file names (relative to Dir), sorted.
	Inputs []string
}

// Name returns the workspace name for a street name.
func Name(street string) string {
	return street + Suffix
}

// For derives the workspace layout for desc under root without touching the
// filesystem. Teardown of an interrupted run uses it to find what to remove.
func For(root string, desc core.RunDescriptor, raytracerPath string) Workspace {
	name := Name(desc.StreetName())
	dir := filepath.Join(root, name)
	ws := Workspace{
		Name:         name,
		Root:         root,
		Dir:          dir,
		MediatorPath: filepath.Join(root, name+MediatorSuffix),
	}
	if raytracerPath != "" {
		ws.BinaryPath = filepath.Join(dir, filepath.Base(raytracerPath))
	}
	return ws
}

// Manager stages and tears down workspaces.
type Manager struct {
	// Root is the directory workspaces are created in. Must be absolute.
	Root string

	// RaytracerPath is the raytracer executable copied into every workspace.
	RaytracerPath string

	Logger *zap.Logger
}

func NewManager(root, raytracerPath string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{Root: root, RaytracerPath: raytracerPath, Logger: logger}
}

// Stage creates the workspace for desc and copies the map inputs and the
// raytracer executable into it.
//
// A failed Stage leaves whatever it created in place; the caller owns the
// decision to tear it down.
func (m *Manager) Stage(desc core.RunDescriptor) (*Workspace, error) {
	if !filepath.IsAbs(m.Root) {
		return nil, fmt.Errorf("workspace root must be absolute (got %q)", m.Root)
	}
	if strings.TrimSpace(m.RaytracerPath) == "" {
		return nil, errors.New("raytracer path is required")
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run descriptor: %w", err)
	}

	ws := For(m.Root, desc, m.RaytracerPath)
	if filepath.Clean(ws.Dir) == filepath.Clean(desc.InputDir()) {
		return nil, fmt.Errorf("workspace %s would be the input directory itself", ws.Dir)
	}
	if _, err := os.Lstat(ws.Dir); err == nil {
		return nil, fmt.Errorf("%w: %s (remove it with --clean)", ErrWorkspaceExists, ws.Dir)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat workspace: %w", err)
	}

	binInfo, err := os.Stat(m.RaytracerPath)
	if err != nil {
		return nil, fmt.Errorf("raytracer executable: %w", err)
	}
	if !binInfo.Mode().IsRegular() {
		return nil, fmt.Errorf("raytracer executable %s is not a regular file", m.RaytracerPath)
	}

	inputs, err := SelectInputs(desc)
	if err != nil {
		return nil, err
	}

	log := m.Logger.With(zap.String("workspace", ws.Dir))
	log.Info("staging workspace", zap.Int("inputs", len(inputs)))

	if err := os.Mkdir(ws.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	for _, src := range inputs {
		name := filepath.Base(src)
		if err := copyFile(src, filepath.Join(ws.Dir, name), 0); err != nil {
			return &ws, fmt.Errorf("copy input %s: %w", name, err)
		}
		ws.Inputs = append(ws.Inputs, name)
		log.Debug("staged input", zap.String("file", name))
	}

	if err := copyFile(m.RaytracerPath, ws.BinaryPath, 0o111); err != nil {
		return &ws, fmt.Errorf("copy raytracer: %w", err)
	}
	log.Debug("staged raytracer", zap.String("binary", ws.BinaryPath))

	return &ws, nil
}

// Teardown removes the workspace directory and its mediator script.
// Removing an absent workspace is not an error.
func Teardown(ws Workspace) error {
	if err := guardRemovable(ws.Dir); err != nil {
		return err
	}
	var err error
	if rmErr := os.RemoveAll(ws.Dir); rmErr != nil {
		err = multierr.Append(err, fmt.Errorf("remove workspace: %w", rmErr))
	}
	if ws.MediatorPath != "" {
		if rmErr := os.Remove(ws.MediatorPath); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, fmt.Errorf("remove mediator: %w", rmErr))
		}
	}
	return err
}

// RemoveShare removes dir, the copy of a workspace on the share that jobs
// deliver partial results to. Its base name must carry the workspace
// suffix. Removing an absent directory is not an error.
func RemoveShare(dir string) error {
	if err := guardRemovable(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove share directory: %w", err)
	}
	return nil
}

func guardRemovable(dir string) error {
	clean := filepath.Clean(dir)
	if dir == "" || clean == "/" || clean == "." {
		return fmt.Errorf("refusing to remove workspace %q", dir)
	}
	if !strings.HasSuffix(filepath.Base(clean), Suffix) {
		return fmt.Errorf("refusing to remove %q: not a workspace directory", dir)
	}
	return nil
}
