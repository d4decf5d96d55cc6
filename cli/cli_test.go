package cli_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "raydist/internal/cli"
)

const fakeRaytracer = `#!/bin/sh
if [ "$1" = "-g" ]; then
	touch config
	exit 0
fi
printf '2\nk%s-0\nk%s-1\n' "$2" "$2" > "downtown-$2.urae.k"
`

// fakeCluster runs the mediator for every job index of -j, serially, and
// records the -i exclusion list it was given.
const fakeCluster = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
	-j) jobs="$2";;
	-U) mediator="$2";;
	-i) echo "$2" > excluded.txt;;
	esac
	shift 2
done
cfg="${jobs%%,*}"
last="${jobs##*:}"
i=0
while [ "$i" -le "$last" ]; do
	"$mediator" "$cfg" "$i" || exit 1
	i=$((i+1))
done
`

func writeExecutable(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func newRepo(t *testing.T) string {
	t.Helper()
	workDir := t.TempDir()
	writeExecutable(t, filepath.Join(workDir, "bin", "Raytracer"), fakeRaytracer)
	writeExecutable(t, filepath.Join(workDir, "bin", "cluster.sh"), fakeCluster)
	if err := os.MkdirAll(filepath.Join(workDir, "maps"), 0o755); err != nil {
		t.Fatalf("mkdir maps: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "maps", "downtown.corner.lnk"), []byte("lnk"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return workDir
}

func TestDeterministicInvocation_IdenticalRunsIdenticalArtifacts(t *testing.T) {
	workDir := newRepo(t)
	args := []string{
		"--workdir", workDir,
		"-b", "maps/downtown",
		"--raytracer", "bin/Raytracer",
		"--facility", "local",
		"--width", "3",
		"--trace", "trace.json",
	}
	outPath := filepath.Join(workDir, "maps", "downtown.urae.k")
	tracePath := filepath.Join(workDir, "trace.json")

	res1, err1 := icl.Run(context.Background(), args, "", nil)
	if err1 != nil {
		t.Fatalf("run1 err: %v", err1)
	}
	if res1.ExitCode != icl.ExitSuccess {
		t.Fatalf("run1 exit: %d", res1.ExitCode)
	}
	out1 := readFile(t, outPath)
	tr1 := readFile(t, tracePath)

	// The published result is an input file name, not a partial, so a rerun
	// must not fold it back in.
	res2, err2 := icl.Run(context.Background(), args, "", nil)
	if err2 != nil {
		t.Fatalf("run2 err: %v", err2)
	}
	if res2.ExitCode != icl.ExitSuccess {
		t.Fatalf("run2 exit: %d", res2.ExitCode)
	}
	out2 := readFile(t, outPath)
	tr2 := readFile(t, tracePath)

	if string(out1) != string(out2) {
		t.Fatalf("merged result differs across identical runs:\n%s\n---\n%s", out1, out2)
	}
	if string(tr1) != string(tr2) || res1.TraceHash != res2.TraceHash {
		t.Fatalf("trace differs across identical runs")
	}
	if !strings.HasPrefix(string(out1), "8\nk0-0\nk0-1\nk1-0\n") {
		t.Fatalf("unexpected merged result:\n%s", out1)
	}
}

func TestPathResolution_RelativePathsResolveAgainstWorkDir(t *testing.T) {
	workDir := newRepo(t)
	otherCwd := t.TempDir()

	oldCwd, _ := os.Getwd()
	_ = os.Chdir(otherCwd)
	t.Cleanup(func() { _ = os.Chdir(oldCwd) })

	args := []string{
		"--workdir", workDir,
		"-b", "maps/downtown",
		"-N", "2",
		"--raytracer", "bin/Raytracer",
		"--facility", "local",
		"--trace", "traces/t.json",
	}
	res, err := icl.Run(context.Background(), args, otherCwd, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit: %d", res.ExitCode)
	}
	if _, err := os.Stat(filepath.Join(workDir, "maps", "downtown.urae.k")); err != nil {
		t.Fatalf("expected result beside the inputs: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "traces", "t.json")); err != nil {
		t.Fatalf("expected trace under workdir: %v", err)
	}
	entries, _ := os.ReadDir(otherCwd)
	if len(entries) != 0 {
		t.Fatalf("expected nothing written to the process directory, found %d entries", len(entries))
	}
}

func TestClusterFacility_ShareRootAndExcludedNodes(t *testing.T) {
	workDir := newRepo(t)
	args := []string{
		"--workdir", workDir,
		"-b", "maps/downtown",
		"-N", "3",
		"-I", "n4,n7",
		"--raytracer", "bin/Raytracer",
		"--cluster-command", "bin/cluster.sh",
		"--share-root", "share",
	}
	res, err := icl.Run(context.Background(), args, "", nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit: %d", res.ExitCode)
	}

	out := string(readFile(t, filepath.Join(workDir, "maps", "downtown.urae.k")))
	if !strings.HasPrefix(out, "6\n") || strings.Count(out, "\n") != 7 {
		t.Fatalf("expected 6 samples counted once each, got:\n%s", out)
	}
	if got := strings.TrimSpace(string(readFile(t, filepath.Join(workDir, "excluded.txt")))); got != "n4,n7" {
		t.Fatalf("expected exclusion list to reach the cluster, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(workDir, "share", "downtown-temp")); !os.IsNotExist(err) {
		t.Fatalf("expected collected share dir to be removed, stat err=%v", err)
	}
}

func TestExitCodeStability_FailingGenerationIsStable(t *testing.T) {
	workDir := newRepo(t)
	writeExecutable(t, filepath.Join(workDir, "bin", "Raytracer"), "#!/bin/sh\nexit 9\n")

	args := []string{
		"--workdir", workDir,
		"-b", "maps/downtown",
		"--raytracer", "bin/Raytracer",
		"--facility", "local",
	}
	codes := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		res, _ := icl.Run(context.Background(), args, "", nil)
		codes = append(codes, fmt.Sprint(res.ExitCode))
	}
	if codes[0] != fmt.Sprint(icl.ExitRunFailure) || codes[1] != codes[0] {
		t.Fatalf("expected stable run failure exit code; got %v", codes)
	}
}
