package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"raydist/internal/core"
)

type fixture struct {
	root      string
	inputDir  string
	raytracer string
	desc      core.RunDescriptor
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	base := t.TempDir()
	f := fixture{
		root:      filepath.Join(base, "run"),
		inputDir:  filepath.Join(base, "maps"),
		raytracer: filepath.Join(base, "bin", "Raytracer"),
	}
	require.NoError(t, os.MkdirAll(f.root, 0o755))

	writeFile(t, filepath.Join(f.inputDir, "downtown.corner.lnk"), "lnk", 0o644)
	writeFile(t, filepath.Join(f.inputDir, "downtown.corner.int"), "int", 0o644)
	writeFile(t, filepath.Join(f.inputDir, "uptown.corner.lnk"), "other street", 0o644)
	writeFile(t, f.raytracer, "#!/bin/sh\nexit 0\n", 0o644)

	f.desc = core.RunDescriptor{
		BaseName:  filepath.Join(f.inputDir, "downtown"),
		RayCount:  core.DefaultRayCount,
		Increment: core.DefaultIncrement,
		Cores:     core.DefaultCores,
		RxGain:    core.DefaultRxGain,
		AreaCount: 3,
	}
	return f
}

func TestStage_CopiesPrefixedInputsAndRaytracer(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t)

	m := NewManager(f.root, f.raytracer, zaptest.NewLogger(t))
	ws, err := m.Stage(f.desc)
	chk.NoError(err)

	chk.Equal("downtown-temp", ws.Name)
	chk.Equal(filepath.Join(f.root, "downtown-temp"), ws.Dir)
	chk.Equal(filepath.Join(f.root, "downtown-temp.sim.sh"), ws.MediatorPath)
	chk.Equal([]string{"downtown.corner.int", "downtown.corner.lnk"}, ws.Inputs)

	entries, err := os.ReadDir(ws.Dir)
	chk.NoError(err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	chk.ElementsMatch([]string{"downtown.corner.int", "downtown.corner.lnk", "Raytracer"}, names)

	b, err := os.ReadFile(filepath.Join(ws.Dir, "downtown.corner.lnk"))
	chk.NoError(err)
	chk.Equal("lnk", string(b))

	info, err := os.Stat(ws.BinaryPath)
	chk.NoError(err)
	chk.NotZero(info.Mode().Perm()&0o111, "staged raytracer must be executable")
}

func TestStage_SkipsPublishedResultsAndDirectories(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t)
	writeFile(t, filepath.Join(f.inputDir, "downtown.urae.k"), "3\na\nb\nc\n", 0o644)
	writeFile(t, filepath.Join(f.inputDir, "downtown.partial.urae.k"), "0\n", 0o644)
	chk.NoError(os.MkdirAll(filepath.Join(f.inputDir, "downtown-notes"), 0o755))

	inputs, err := SelectInputs(f.desc)
	chk.NoError(err)
	chk.Equal([]string{
		filepath.Join(f.inputDir, "downtown.corner.int"),
		filepath.Join(f.inputDir, "downtown.corner.lnk"),
	}, inputs)
}

func TestStage_WorkspaceInsideInputDirIsNotCopiedIntoItself(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t)

	m := NewManager(f.inputDir, f.raytracer, zaptest.NewLogger(t))
	ws, err := m.Stage(f.desc)
	chk.NoError(err)
	chk.Equal(filepath.Join(f.inputDir, "downtown-temp"), ws.Dir)
	chk.Equal([]string{"downtown.corner.int", "downtown.corner.lnk"}, ws.Inputs)
}

func TestStage_RefusesExistingWorkspace(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t)
	chk.NoError(os.MkdirAll(filepath.Join(f.root, "downtown-temp"), 0o755))

	_, err := NewManager(f.root, f.raytracer, nil).Stage(f.desc)
	chk.True(errors.Is(err, ErrWorkspaceExists))
}

func TestStage_NoMatchingInputs(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t)
	f.desc.BaseName = filepath.Join(f.inputDir, "midtown")

	_, err := NewManager(f.root, f.raytracer, nil).Stage(f.desc)
	chk.True(errors.Is(err, ErrNoInputs))
	_, statErr := os.Stat(filepath.Join(f.root, "midtown-temp"))
	chk.True(os.IsNotExist(statErr), "nothing is created when selection fails")
}

func TestStage_MissingRaytracer(t *testing.T) {
	f := newFixture(t)
	_, err := NewManager(f.root, filepath.Join(f.root, "nope"), nil).Stage(f.desc)
	require.Error(t, err)
}

func TestStage_RelativeRootRejected(t *testing.T) {
	f := newFixture(t)
	_, err := NewManager("relative/root", f.raytracer, nil).Stage(f.desc)
	require.Error(t, err)
}

func TestTeardown_RemovesWorkspaceAndMediatorAndIsIdempotent(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t)

	ws, err := NewManager(f.root, f.raytracer, nil).Stage(f.desc)
	chk.NoError(err)
	writeFile(t, ws.MediatorPath, "#!/bin/sh\n", 0o755)

	chk.NoError(Teardown(*ws))
	_, err = os.Stat(ws.Dir)
	chk.True(os.IsNotExist(err))
	_, err = os.Stat(ws.MediatorPath)
	chk.True(os.IsNotExist(err))

	chk.NoError(Teardown(*ws), "second teardown is a no-op")
}

func TestTeardown_FromDerivedLayout(t *testing.T) {
	chk := require.New(t)
	f := newFixture(t)

	ws, err := NewManager(f.root, f.raytracer, nil).Stage(f.desc)
	chk.NoError(err)

	derived := For(f.root, f.desc, f.raytracer)
	chk.Equal(ws.Dir, derived.Dir)
	chk.Equal(ws.BinaryPath, derived.BinaryPath)
	chk.NoError(Teardown(derived))
	_, err = os.Stat(ws.Dir)
	chk.True(os.IsNotExist(err))
}

func TestTeardown_RefusesNonWorkspacePaths(t *testing.T) {
	chk := require.New(t)
	chk.Error(Teardown(Workspace{}))
	chk.Error(Teardown(Workspace{Dir: "/"}))
	chk.Error(Teardown(Workspace{Dir: t.TempDir()}))
}

func TestRemoveShare_RemovesStaleResultsAndRefusesForeignDirs(t *testing.T) {
	chk := require.New(t)
	share := filepath.Join(t.TempDir(), "downtown-temp")
	writeFile(t, filepath.Join(share, "downtown-3.urae.k"), "1\nold\n", 0o644)

	chk.NoError(RemoveShare(share))
	_, err := os.Stat(share)
	chk.True(os.IsNotExist(err))
	chk.NoError(RemoveShare(share), "absent share directory is a no-op")

	chk.Error(RemoveShare(""))
	chk.Error(RemoveShare(t.TempDir()))
}

func TestNames_CollisionFreeForDistinctStreets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.StringMatching(`[a-zA-Z0-9_.]{1,24}`).Draw(t, "a")
		b := rapid.StringMatching(`[a-zA-Z0-9_.]{1,24}`).Draw(t, "b")
		if a == b {
			t.Skip("same street")
		}
		descA := core.RunDescriptor{BaseName: "/maps/" + a}
		descB := core.RunDescriptor{BaseName: "/maps/" + b}
		wsA := For("/runs", descA, "/bin/Raytracer")
		wsB := For("/runs", descB, "/bin/Raytracer")
		if wsA.Dir == wsB.Dir {
			t.Fatalf("workspace collision: %q and %q both map to %q", a, b, wsA.Dir)
		}
		if wsA.MediatorPath == wsB.MediatorPath {
			t.Fatalf("mediator collision: %q and %q both map to %q", a, b, wsA.MediatorPath)
		}
		if wsA.MediatorPath == wsB.Dir || wsB.MediatorPath == wsA.Dir {
			t.Fatalf("mediator of one run collides with workspace of another")
		}
	})
}
