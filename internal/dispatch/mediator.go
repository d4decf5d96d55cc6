package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"raydist/internal/core"
)

// Mediator is the per-job script handed to the execution facility. It is
// invoked with two positional arguments, the manifest name and the area
// index, and adapts that generic call into a raytracer run-mode invocation
// followed by the hand-off of the area's partial results.
type Mediator struct {
	// WorkspaceDir is the staged workspace the raytracer runs in.
	WorkspaceDir string

	// Binary is the staged raytracer executable.
	Binary string

	// ShareDir receives the partial results. Equal to WorkspaceDir means the
	// results stay where the raytracer wrote them.
	ShareDir string
}

// Render returns the script text. Every path is absolute and single-quoted.
func (m Mediator) Render() string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(m.WorkspaceDir))
	b.WriteString("echo \"$1-$2\"\n")
	fmt.Fprintf(&b, "%s \"$1\" \"$2\" || exit $?\n", shellQuote(m.Binary))

	if filepath.Clean(m.ShareDir) != filepath.Clean(m.WorkspaceDir) {
		fmt.Fprintf(&b, "mkdir -p %s || exit 1\n", shellQuote(m.ShareDir))
		// An area may produce no partial; an unmatched glob stays literal.
		fmt.Fprintf(&b, "for f in *-\"$2\"%s; do\n", core.ResultSuffix)
		b.WriteString("\t[ -e \"$f\" ] || continue\n")
		fmt.Fprintf(&b, "\tcp \"$f\" %s/ || exit 1\n", shellQuote(m.ShareDir))
		b.WriteString("done\n")
	}
	return b.String()
}

func (m Mediator) validate() error {
	fields := []struct{ name, path string }{
		{"workspace dir", m.WorkspaceDir},
		{"binary", m.Binary},
		{"share dir", m.ShareDir},
	}
	for _, f := range fields {
		if !filepath.IsAbs(f.path) {
			return fmt.Errorf("mediator %s must be absolute (got %q)", f.name, f.path)
		}
	}
	return nil
}

// WriteMediator writes m to path as an executable script.
func WriteMediator(path string, m Mediator) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(m.Render()), 0o755); err != nil {
		return fmt.Errorf("write mediator: %w", err)
	}
	// WriteFile's mode is filtered by the umask.
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod mediator: %w", err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
