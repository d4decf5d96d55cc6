package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultRayCount  = 256
	DefaultIncrement = 10.0
	DefaultCores     = 2
	DefaultRxGain    = 1.0
	DefaultAreaCount = 4
)

// ResultSuffix is the file extension of Rice-K sample files, both the
// per-area partials and the merged result.
const ResultSuffix = ".urae.k"

// RunDescriptor identifies one pipeline execution.
//
// It is built once by the invocation layer and never mutated afterwards. All
// paths are absolute.
type RunDescriptor struct {
	// BaseName is the map data prefix, e.g. /data/maps/downtown. Every file in
	// the same directory whose name starts with "downtown" is a map input.
	BaseName string

	// RayCount is the number of rays cast per sample point.
	RayCount int

	// Increment is the distance between adjacent K-factor sample points.
	Increment float64

	// Cores is the number of raytracing threads per worker.
	Cores int

	// RxGain is the gain of the receiver antenna.
	RxGain float64

	// AreaCount is the number of areas the map is split into (N).
	AreaCount int

	// RSUDefFile is the optional roadside-unit definitions file. Empty means
	// the raytracer is not told about roadside units at all.
	RSUDefFile string

	// ExcludeNodes lists cluster nodes that must not receive area jobs.
	ExcludeNodes []string
}

// StreetName is the final path segment of BaseName.
func (d RunDescriptor) StreetName() string {
	return filepath.Base(d.BaseName)
}

// InputDir is the directory holding the map inputs. The merged result is
// published there.
func (d RunDescriptor) InputDir() string {
	return filepath.Dir(d.BaseName)
}

// MergedResultName is the file name of the merged result, e.g. downtown.urae.k.
func (d RunDescriptor) MergedResultName() string {
	return d.StreetName() + ResultSuffix
}

// AreaIndices returns 0..AreaCount-1.
func (d RunDescriptor) AreaIndices() []int {
	if d.AreaCount <= 0 {
		return nil
	}
	out := make([]int, d.AreaCount)
	for i := range out {
		out[i] = i
	}
	return out
}

func (d RunDescriptor) Validate() error {
	var errs []error
	if strings.TrimSpace(d.BaseName) == "" {
		errs = append(errs, errors.New("base name is required"))
	} else {
		if !filepath.IsAbs(d.BaseName) {
			errs = append(errs, fmt.Errorf("base name must be absolute (got %q)", d.BaseName))
		}
		if s := d.StreetName(); s == "." || s == "/" || s == string(filepath.Separator) {
			errs = append(errs, fmt.Errorf("base name %q has no file component", d.BaseName))
		}
	}
	if d.RayCount <= 0 {
		errs = append(errs, fmt.Errorf("ray count must be > 0 (got %d)", d.RayCount))
	}
	if d.Increment <= 0 {
		errs = append(errs, fmt.Errorf("increment must be > 0 (got %g)", d.Increment))
	}
	if d.Cores <= 0 {
		errs = append(errs, fmt.Errorf("core count must be > 0 (got %d)", d.Cores))
	}
	if d.RxGain <= 0 {
		errs = append(errs, fmt.Errorf("receiver gain must be > 0 (got %g)", d.RxGain))
	}
	if d.AreaCount <= 0 {
		errs = append(errs, fmt.Errorf("area count must be > 0 (got %d)", d.AreaCount))
	}
	if d.RSUDefFile != "" && !filepath.IsAbs(d.RSUDefFile) {
		errs = append(errs, fmt.Errorf("roadside-unit file must be absolute (got %q)", d.RSUDefFile))
	}
	for i, n := range d.ExcludeNodes {
		if strings.TrimSpace(n) == "" || strings.ContainsAny(n, ", \t\n") {
			errs = append(errs, fmt.Errorf("exclude_nodes[%d] is not a valid node name: %q", i, n))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// ParseNodeList splits a comma-delimited node list. Entries are trimmed,
// empties and duplicates dropped, and first-seen order kept. An entry with
// inner whitespace is rejected.
func ParseNodeList(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		n := strings.TrimSpace(part)
		if n == "" {
			continue
		}
		if strings.ContainsAny(n, " \t\n") {
			return nil, fmt.Errorf("invalid node name %q", n)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}
