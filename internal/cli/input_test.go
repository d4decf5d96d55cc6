package cli

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"raydist/internal/core"
)

func TestParseInvocation_DeterministicStruct(t *testing.T) {
	workDir := t.TempDir()
	args := []string{
		"--workdir", workDir,
		"-b", "maps/../maps/downtown",
		"--raytracer", "bin/./Raytracer",
		"--share-root", "share/",
		"--state-dir", "state",
		"--trace", "traces/../trace.json",
	}

	inv1, err := ParseInvocation(args, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv2, err := ParseInvocation(args, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(inv1, inv2) {
		t.Fatalf("expected identical invocations, got\n%#v\n%#v", inv1, inv2)
	}

	if inv1.WorkDir != filepath.Clean(workDir) {
		t.Fatalf("workdir not canonicalized: %q", inv1.WorkDir)
	}
	if inv1.Run.BaseName != filepath.Join(workDir, "maps", "downtown") {
		t.Fatalf("base name not resolved/canonicalized: %q", inv1.Run.BaseName)
	}
	if inv1.Raytracer != filepath.Join(workDir, "bin", "Raytracer") {
		t.Fatalf("raytracer not resolved/canonicalized: %q", inv1.Raytracer)
	}
	if inv1.ShareRoot != filepath.Join(workDir, "share") {
		t.Fatalf("share root not resolved/canonicalized: %q", inv1.ShareRoot)
	}
	if inv1.StateDir != filepath.Join(workDir, "state") {
		t.Fatalf("state dir not resolved/canonicalized: %q", inv1.StateDir)
	}
	if !inv1.Trace.Enabled || inv1.Trace.Path != filepath.Join(workDir, "trace.json") {
		t.Fatalf("trace not resolved/canonicalized: %#v", inv1.Trace)
	}
}

func TestParseInvocation_Defaults(t *testing.T) {
	cwd := t.TempDir()
	inv, err := ParseInvocation([]string{"-b", "/data/maps/downtown"}, cwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := core.RunDescriptor{
		BaseName:  "/data/maps/downtown",
		RayCount:  256,
		Increment: 10.0,
		Cores:     2,
		RxGain:    1.0,
		AreaCount: 4,
	}
	if !reflect.DeepEqual(inv.Run, want) {
		t.Fatalf("unexpected run descriptor:\n%#v\nwant\n%#v", inv.Run, want)
	}
	if inv.WorkDir != cwd {
		t.Fatalf("expected workdir to default to cwd, got %q", inv.WorkDir)
	}
	if inv.Raytracer != filepath.Join(filepath.Dir(cwd), "bin", "Raytracer") {
		t.Fatalf("unexpected default raytracer %q", inv.Raytracer)
	}
	if inv.ClusterCommand != DefaultClusterCommand || inv.Facility != FacilityCluster || inv.Width != 1 {
		t.Fatalf("unexpected deployment defaults: %#v", inv)
	}
	if inv.ShareRoot != "" || inv.StateDir != "" || inv.Trace.Enabled || inv.Clean || inv.KeepWorkspace || inv.AllowPartial {
		t.Fatalf("unexpected optional settings: %#v", inv)
	}
}

func TestParseInvocation_LegacyShortAndLongOptions(t *testing.T) {
	cwd := t.TempDir()
	short, err := ParseInvocation([]string{"-b", "downtown", "-r", "512", "-i", "2.5", "-c", "8", "-G", "1.5", "-N", "6", "-I", " n3, n1 ,,n3", "-R", "rsu.xml"}, cwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	long, err := ParseInvocation([]string{"--basename", "downtown", "--raycount", "512", "--increment", "2.5", "--cores", "8", "--rxGain", "1.5", "--areaCount", "6", "--ignoreNodes", "n3,n1", "--rsuDefFile", "rsu.xml"}, cwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(short, long) {
		t.Fatalf("expected identical invocations, got\n%#v\n%#v", short, long)
	}
	if short.Run.RayCount != 512 || short.Run.Increment != 2.5 || short.Run.Cores != 8 || short.Run.RxGain != 1.5 || short.Run.AreaCount != 6 {
		t.Fatalf("unexpected numeric options: %#v", short.Run)
	}
	if !reflect.DeepEqual(short.Run.ExcludeNodes, []string{"n3", "n1"}) {
		t.Fatalf("unexpected exclude nodes: %#v", short.Run.ExcludeNodes)
	}
	if short.Run.RSUDefFile != filepath.Join(cwd, "rsu.xml") {
		t.Fatalf("unexpected rsu file: %q", short.Run.RSUDefFile)
	}
}

func TestParseInvocation_MissingBaseNameIsInvalidInvocation(t *testing.T) {
	_, err := ParseInvocation([]string{"-r", "10"}, t.TempDir())
	if err == nil {
		t.Fatalf("expected error")
	}
	if ExitCode(err) != ExitInvalidInvocation {
		t.Fatalf("expected exit code %d, got %d", ExitInvalidInvocation, ExitCode(err))
	}
}

func TestParseInvocation_RejectsInvalidValues(t *testing.T) {
	cwd := t.TempDir()
	cases := map[string][]string{
		"positional":     {"-b", "downtown", "extra"},
		"unknown flag":   {"-b", "downtown", "--mode", "clean"},
		"zero areas":     {"-b", "downtown", "-N", "0"},
		"negative rays":  {"-b", "downtown", "-r", "-1"},
		"zero width":     {"-b", "downtown", "--width", "0"},
		"bad facility":   {"-b", "downtown", "--facility", "grid"},
		"node with tab":  {"-b", "downtown", "-I", "n1,bad\tnode"},
		"relative wdir":  {"-b", "downtown", "--workdir", "relative"},
		"bare base path": {"-b", "."},
	}
	for name, args := range cases {
		_, err := ParseInvocation(args, cwd)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if ExitCode(err) != ExitInvalidInvocation {
			t.Fatalf("%s: expected exit code %d, got %d (%v)", name, ExitInvalidInvocation, ExitCode(err), err)
		}
	}
}

func TestParseInvocation_ResolvesRelativePathsAgainstWorkDir_NotCwd(t *testing.T) {
	workDir := t.TempDir()
	otherCwd := t.TempDir()

	oldCwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })
	if err := os.Chdir(otherCwd); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}

	inv, err := ParseInvocation([]string{"--workdir", workDir, "-b", "downtown", "--cluster-command", "./cluster.py"}, otherCwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Run.BaseName != filepath.Join(workDir, "downtown") {
		t.Fatalf("expected base name under workdir, got %q", inv.Run.BaseName)
	}
	if inv.ClusterCommand != filepath.Join(workDir, "cluster.py") {
		t.Fatalf("expected cluster command under workdir, got %q", inv.ClusterCommand)
	}
}

func TestParseInvocation_ConfigFilePrecedence(t *testing.T) {
	workDir := t.TempDir()
	cfg := `{
	  "raytracer": "/opt/urae/Raytracer",
	  "cluster_command": "ictr_cluster",
	  "share_root": "/mnt/share",
	  "facility": "local",
	  "width": 3,
	  "exclude_nodes": ["n2", " n2", "n5"]
	}`
	if err := os.WriteFile(filepath.Join(workDir, "raydist.json"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fromFile, err := ParseInvocation([]string{"--workdir", workDir, "-b", "downtown", "--config", "raydist.json"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromFile.Raytracer != "/opt/urae/Raytracer" || fromFile.ClusterCommand != "ictr_cluster" || fromFile.ShareRoot != "/mnt/share" {
		t.Fatalf("file paths not applied: %#v", fromFile)
	}
	if fromFile.Facility != FacilityLocal || fromFile.Width != 3 {
		t.Fatalf("file facility/width not applied: %#v", fromFile)
	}
	if !reflect.DeepEqual(fromFile.Run.ExcludeNodes, []string{"n2", "n5"}) {
		t.Fatalf("file exclude nodes not normalized: %#v", fromFile.Run.ExcludeNodes)
	}

	// Explicit flags win over the file, even when set to the default value.
	fromFlags, err := ParseInvocation([]string{"--workdir", workDir, "-b", "downtown", "--config", "raydist.json", "--facility", "cluster", "--width", "1", "-I", "n9"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromFlags.Facility != FacilityCluster || fromFlags.Width != 1 {
		t.Fatalf("flags did not override file: %#v", fromFlags)
	}
	if !reflect.DeepEqual(fromFlags.Run.ExcludeNodes, []string{"n9"}) {
		t.Fatalf("flag exclude nodes did not override file: %#v", fromFlags.Run.ExcludeNodes)
	}
	if fromFlags.Raytracer != "/opt/urae/Raytracer" {
		t.Fatalf("unset flag should keep file value: %q", fromFlags.Raytracer)
	}
}

func TestParseInvocation_ConfigFileErrorsAreConfigErrors(t *testing.T) {
	workDir := t.TempDir()
	cases := map[string]string{
		"unknown field": `{"raytracer": "/x", "mode": "fast"}`,
		"trailing data": `{"raytracer": "/x"} {}`,
		"not json":      `raytracer=/x`,
	}
	for name, body := range cases {
		p := filepath.Join(workDir, "cfg.json")
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		_, err := ParseInvocation([]string{"--workdir", workDir, "-b", "downtown", "--config", p}, "")
		if ExitCode(err) != ExitConfigError {
			t.Fatalf("%s: expected exit code %d, got %d (%v)", name, ExitConfigError, ExitCode(err), err)
		}
	}

	_, err := ParseInvocation([]string{"--workdir", workDir, "-b", "downtown", "--config", "missing.json"}, "")
	if ExitCode(err) != ExitConfigError {
		t.Fatalf("expected exit code %d for missing config, got %d", ExitConfigError, ExitCode(err))
	}
}

func TestParseInvocation_IgnoresEnvironmentVariables(t *testing.T) {
	workDir := t.TempDir()
	args := []string{"--workdir", workDir, "-b", "downtown"}

	inv1, err := ParseInvocation(args, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("RAYTRACER", "/elsewhere")
	t.Setenv("SOME_OTHER_VAR", "some value")

	inv2, err := ParseInvocation(args, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(inv1, inv2) {
		t.Fatalf("expected env vars to not affect parsing, got\n%#v\n%#v", inv1, inv2)
	}
}
