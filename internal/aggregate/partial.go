package aggregate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"raydist/internal/raytracer"
)

// ErrMalformedPartial is wrapped by every parse failure of a partial result.
var ErrMalformedPartial = errors.New("malformed partial result")

// maxSampleLine bounds a single sample record.
const maxSampleLine = 16 << 20

// SampleSet is the content of a Rice-K file: a sample count and the opaque
// sample records that follow it.
type SampleSet struct {
	Count   int
	Samples []string
}

// PartialFile is a per-area result file found on disk.
type PartialFile struct {
	Area int
	Name string
	Path string
}

// Discover lists the partial results in dir ordered by area index, then by
// file name. Files named in skip are ignored.
func Discover(dir string, skip ...string) ([]PartialFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []PartialFile
	for _, e := range entries {
		if e.IsDir() || contains(skip, e.Name()) {
			continue
		}
		area, ok := raytracer.ParsePartialName(e.Name())
		if !ok {
			continue
		}
		out = append(out, PartialFile{Area: area, Name: e.Name(), Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Area != out[j].Area {
			return out[i].Area < out[j].Area
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ReadPartial parses the Rice-K file at path.
func ReadPartial(path string) (SampleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return SampleSet{}, err
	}
	defer f.Close()

	set, err := ParseSampleSet(f)
	if err != nil {
		return SampleSet{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return set, nil
}

// ParseSampleSet reads a Rice-K sample set. The first non-blank line is the
// sample count; every following non-blank line is one sample record with
// trailing whitespace removed.
func ParseSampleSet(r io.Reader) (SampleSet, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSampleLine)

	var (
		set      SampleSet
		haveHead bool
		lineNo   int
	)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !haveHead {
			n, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil || n < 0 {
				return SampleSet{}, fmt.Errorf("%w: line %d: invalid sample count %q", ErrMalformedPartial, lineNo, line)
			}
			set.Count = n
			haveHead = true
			continue
		}
		set.Samples = append(set.Samples, line)
	}
	if err := sc.Err(); err != nil {
		return SampleSet{}, fmt.Errorf("%w: %v", ErrMalformedPartial, err)
	}
	if !haveHead {
		return SampleSet{}, fmt.Errorf("%w: missing sample count", ErrMalformedPartial)
	}
	return set, nil
}

// Merge combines sample sets in order: the count is the sum of the counts
// and the records are concatenated.
func Merge(sets ...SampleSet) SampleSet {
	var out SampleSet
	n := 0
	for _, s := range sets {
		n += len(s.Samples)
	}
	if n > 0 {
		out.Samples = make([]string, 0, n)
	}
	for _, s := range sets {
		out.Count += s.Count
		out.Samples = append(out.Samples, s.Samples...)
	}
	return out
}

// WriteTo writes the set in Rice-K format.
func (s SampleSet) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	n, err := fmt.Fprintf(bw, "%d\n", s.Count)
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, line := range s.Samples {
		n, err := bw.WriteString(line)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return total, err
		}
		total++
	}
	return total, bw.Flush()
}
