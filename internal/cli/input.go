package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"raydist/internal/core"
)

const (
	ExitSuccess           = 0
	ExitRunFailure        = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitIncomplete        = 5
	ExitNoResults         = 6
)

const (
	DefaultRaytracer      = "../bin/Raytracer"
	DefaultClusterCommand = "omnet_cluster.py"
	DefaultWidth          = 1
)

type FacilityKind string

const (
	FacilityCluster FacilityKind = "cluster"
	FacilityLocal   FacilityKind = "local"
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// CLIInvocation is the fully canonicalized description of a run.
//
// All paths are absolute. Relative paths given on the command line or in the
// config file are resolved against WorkDir, never against the process CWD.
type CLIInvocation struct {
	WorkDir string
	Run     core.RunDescriptor

	Raytracer      string
	ClusterCommand string
	ShareRoot      string
	Facility       FacilityKind
	Width          int

	StateDir string
	Trace    TraceConfig

	KeepWorkspace bool
	AllowPartial  bool
	Clean         bool
	Verbose       bool
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configErrorf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitConfigError, Message: fmt.Sprintf(format, args...)}
}

type rawFlags struct {
	baseName  string
	rayCount  int
	increment float64
	cores     int
	rxGain    float64
	areaCount int
	ignore    string
	rsuFile   string

	workDir        string
	configPath     string
	raytracer      string
	clusterCommand string
	shareRoot      string
	facility       string
	width          int
	stateDir       string
	tracePath      string

	keepWorkspace bool
	allowPartial  bool
	clean         bool
	verbose       bool
}

func newFlagSet(raw *rawFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("raydist", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	// Legacy short options share their variable with the long name.
	fs.StringVar(&raw.baseName, "b", "", "Base file name of the map data. Required.")
	fs.StringVar(&raw.baseName, "basename", "", "Base file name of the map data. Required.")
	fs.IntVar(&raw.rayCount, "r", core.DefaultRayCount, "Number of rays.")
	fs.IntVar(&raw.rayCount, "raycount", core.DefaultRayCount, "Number of rays.")
	fs.Float64Var(&raw.increment, "i", core.DefaultIncrement, "Distance between adjacent K-factor sample points.")
	fs.Float64Var(&raw.increment, "increment", core.DefaultIncrement, "Distance between adjacent K-factor sample points.")
	fs.IntVar(&raw.cores, "c", core.DefaultCores, "Raytracing cores per worker.")
	fs.IntVar(&raw.cores, "cores", core.DefaultCores, "Raytracing cores per worker.")
	fs.Float64Var(&raw.rxGain, "G", core.DefaultRxGain, "Receiver antenna gain.")
	fs.Float64Var(&raw.rxGain, "rxGain", core.DefaultRxGain, "Receiver antenna gain.")
	fs.IntVar(&raw.areaCount, "N", core.DefaultAreaCount, "Number of areas.")
	fs.IntVar(&raw.areaCount, "areaCount", core.DefaultAreaCount, "Number of areas.")
	fs.StringVar(&raw.ignore, "I", "", "Comma-delimited cluster nodes to exclude.")
	fs.StringVar(&raw.ignore, "ignoreNodes", "", "Comma-delimited cluster nodes to exclude.")
	fs.StringVar(&raw.rsuFile, "R", "", "Roadside-unit definitions file.")
	fs.StringVar(&raw.rsuFile, "rsuDefFile", "", "Roadside-unit definitions file.")

	fs.StringVar(&raw.workDir, "workdir", "", "Absolute working directory. Defaults to the process directory.")
	fs.StringVar(&raw.configPath, "config", "", "Deployment config file (JSON).")
	fs.StringVar(&raw.raytracer, "raytracer", "", "Raytracer executable.")
	fs.StringVar(&raw.clusterCommand, "cluster-command", "", "Cluster execution facility command.")
	fs.StringVar(&raw.shareRoot, "share-root", "", "Shared directory workers copy partial results to.")
	fs.StringVar(&raw.facility, "facility", "", "Execution facility: cluster|local")
	fs.IntVar(&raw.width, "width", 0, "Concurrent area jobs.")
	fs.StringVar(&raw.stateDir, "state-dir", "", "Directory for run records (optional).")
	fs.StringVar(&raw.tracePath, "trace", "", "Trace output path (optional).")

	fs.BoolVar(&raw.keepWorkspace, "keep-workspace", false, "Keep the workspace and mediator after the run.")
	fs.BoolVar(&raw.allowPartial, "allow-partial", false, "Publish and succeed even when areas are missing.")
	fs.BoolVar(&raw.clean, "clean", false, "Remove the workspace and share directory of an interrupted run, close its run records and exit.")
	fs.BoolVar(&raw.verbose, "verbose", false, "Development logging.")
	return fs
}

// flag names that carry deployment settings also present in the config file.
var deploymentFlags = map[string]string{
	"raytracer":       "raytracer",
	"cluster-command": "cluster_command",
	"share-root":      "share_root",
	"facility":        "facility",
	"width":           "width",
	"I":               "exclude_nodes",
	"ignoreNodes":     "exclude_nodes",
}

// ParseInvocation parses CLI flags into a canonical CLIInvocation.
//
// cwd is the process directory captured once by main; it is only used when
// --workdir is not given. Precedence for deployment settings is explicit
// flag, then config file, then built-in default.
func ParseInvocation(args []string, cwd string) (CLIInvocation, error) {
	var raw rawFlags
	fs := newFlagSet(&raw)
	if err := fs.Parse(args); err != nil {
		// flag package returns errors like: "flag provided but not defined: -x"
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return CLIInvocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		if key, ok := deploymentFlags[f.Name]; ok {
			explicit[key] = true
		}
	})

	workDir := raw.workDir
	if workDir == "" {
		workDir = cwd
	}
	if strings.TrimSpace(workDir) == "" {
		return CLIInvocation{}, invalidInvocationf("--workdir is required when the working directory is unknown")
	}
	workDir = filepath.Clean(workDir)
	if !filepath.IsAbs(workDir) {
		return CLIInvocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}

	if strings.TrimSpace(raw.baseName) == "" {
		return CLIInvocation{}, invalidInvocationf("need to specify a base file name for the map data (-b)")
	}

	var file FileConfig
	if raw.configPath != "" {
		p, err := resolveUnderWorkDir(workDir, raw.configPath)
		if err != nil {
			return CLIInvocation{}, err
		}
		file, err = LoadConfigFile(p)
		if err != nil {
			return CLIInvocation{}, configErrorf("%v", err)
		}
	}

	inv := CLIInvocation{
		WorkDir:       workDir,
		KeepWorkspace: raw.keepWorkspace,
		AllowPartial:  raw.allowPartial,
		Clean:         raw.clean,
		Verbose:       raw.verbose,
	}

	raytracer := pick(explicit["raytracer"], raw.raytracer, file.Raytracer, DefaultRaytracer)
	var err error
	if inv.Raytracer, err = resolveUnderWorkDir(workDir, raytracer); err != nil {
		return CLIInvocation{}, err
	}

	inv.ClusterCommand = pick(explicit["cluster_command"], raw.clusterCommand, file.ClusterCommand, DefaultClusterCommand)
	// A bare command name is looked up on PATH; anything with a separator is a path.
	if strings.ContainsRune(inv.ClusterCommand, filepath.Separator) {
		if inv.ClusterCommand, err = resolveUnderWorkDir(workDir, inv.ClusterCommand); err != nil {
			return CLIInvocation{}, err
		}
	}

	if share := pick(explicit["share_root"], raw.shareRoot, file.ShareRoot, ""); share != "" {
		if inv.ShareRoot, err = resolveUnderWorkDir(workDir, share); err != nil {
			return CLIInvocation{}, err
		}
	}

	if inv.Facility, err = parseFacility(pick(explicit["facility"], raw.facility, file.Facility, string(FacilityCluster))); err != nil {
		return CLIInvocation{}, err
	}

	switch {
	case explicit["width"]:
		inv.Width = raw.width
	case file.Width != nil:
		inv.Width = *file.Width
	default:
		inv.Width = DefaultWidth
	}
	if inv.Width <= 0 {
		return CLIInvocation{}, invalidInvocationf("width must be > 0 (got %d)", inv.Width)
	}

	excluded := file.ExcludeNodes
	if explicit["exclude_nodes"] {
		if excluded, err = core.ParseNodeList(raw.ignore); err != nil {
			return CLIInvocation{}, invalidInvocationf("-I: %v", err)
		}
	}

	baseName, err := resolveUnderWorkDir(workDir, raw.baseName)
	if err != nil {
		return CLIInvocation{}, err
	}
	inv.Run = core.RunDescriptor{
		BaseName:     baseName,
		RayCount:     raw.rayCount,
		Increment:    raw.increment,
		Cores:        raw.cores,
		RxGain:       raw.rxGain,
		AreaCount:    raw.areaCount,
		ExcludeNodes: excluded,
	}
	if strings.TrimSpace(raw.rsuFile) != "" {
		if inv.Run.RSUDefFile, err = resolveUnderWorkDir(workDir, raw.rsuFile); err != nil {
			return CLIInvocation{}, err
		}
	}
	if err := inv.Run.Validate(); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}

	if strings.TrimSpace(raw.stateDir) != "" {
		if inv.StateDir, err = resolveUnderWorkDir(workDir, raw.stateDir); err != nil {
			return CLIInvocation{}, err
		}
	}
	if strings.TrimSpace(raw.tracePath) != "" {
		resolvedTrace, err := resolveUnderWorkDir(workDir, raw.tracePath)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: resolvedTrace}
	}

	return inv, nil
}

func pick(flagSet bool, flagValue, fileValue, fallback string) string {
	if flagSet {
		return flagValue
	}
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

func parseFacility(raw string) (FacilityKind, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	switch FacilityKind(n) {
	case FacilityCluster, FacilityLocal:
		return FacilityKind(n), nil
	case "":
		return "", invalidInvocationf("--facility is required")
	default:
		return "", invalidInvocationf("invalid --facility %q (expected cluster|local)", raw)
	}
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	// WorkDir is required to be absolute, so Join does not consult process CWD.
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
