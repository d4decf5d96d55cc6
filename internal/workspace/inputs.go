package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"raydist/internal/core"
)

// SelectInputs returns the absolute paths of the map inputs for desc, sorted.
//
// Inputs are the regular files in the base name's directory whose name starts
// with the street name. Directories are skipped, which keeps a workspace
// created inside the input directory from being copied into itself. Rice-K
// result files are skipped as well: a merged result published by an earlier
// run sits beside the inputs and must not be fed back into the next one.
func SelectInputs(desc core.RunDescriptor) ([]string, error) {
	dir := desc.InputDir()
	street := desc.StreetName()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, street) {
			continue
		}
		if strings.HasSuffix(name, core.ResultSuffix) {
			continue
		}
		full := filepath.Join(dir, name)
		// Stat (not the DirEntry type) so symlinked inputs are followed.
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("stat input %q: %w", name, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, full)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s*", ErrNoInputs, desc.BaseName)
	}

	// os.ReadDir already sorts by name; keep the guarantee explicit.
	sort.Strings(paths)
	return paths, nil
}

// copyFile copies src to a new file dst, keeping src's permission bits plus
// extraMode. dst must not exist.
func copyFile(src, dst string, extraMode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm()|extraMode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	// OpenFile's mode is filtered by the umask.
	if err = out.Chmod(info.Mode().Perm() | extraMode); err != nil {
		return err
	}
	return out.Sync()
}
