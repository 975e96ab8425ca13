// Package bundle describes the fixed set of tool sources a compile needs and
// checks a source directory for them.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/tinyc/internal/digest"
)

// Well-known file names in the source bundle.
const (
	ScannerSource = "scanner.c"
	ParserSource  = "parser.c"
	TokenTable    = "token_strings.c"
	SharedHeader  = "tokens.h"
	RecipeFile    = "Makefile"
)

// File is one entry in a Bundle.
type File struct {
	Name     string
	Optional bool
}

// Bundle is the ordered set of files staged into every workspace.
type Bundle struct {
	Files []File
}

// Default returns the TINY tool bundle: four required sources and an
// optional build recipe.
func Default() Bundle {
	return Bundle{Files: []File{
		{Name: ScannerSource},
		{Name: ParserSource},
		{Name: TokenTable},
		{Name: SharedHeader},
		{Name: RecipeFile, Optional: true},
	}}
}

// Names returns every file name in bundle order.
func (b Bundle) Names() []string {
	names := make([]string, 0, len(b.Files))
	for _, f := range b.Files {
		names = append(names, f.Name)
	}
	return names
}

// Required returns the names of non-optional files in bundle order.
func (b Bundle) Required() []string {
	names := make([]string, 0, len(b.Files))
	for _, f := range b.Files {
		if !f.Optional {
			names = append(names, f.Name)
		}
	}
	return names
}

// Report is the result of checking a source directory.
type Report struct {
	SourceDir string
	// Present holds absolute paths of files found, in bundle order.
	Present []string
	// Missing holds names of files not found, in bundle order.
	Missing []string
	// Fingerprint is a BLAKE3 digest over the names and contents of Present.
	Fingerprint string
}

// Validate looks for every name in sourceDir and reports all present and
// missing files in one pass. A missing file is data, not an error.
func Validate(sourceDir string, names []string) (present []string, missing []string) {
	present = make([]string, 0, len(names))
	missing = make([]string, 0)
	for _, name := range names {
		path := filepath.Join(sourceDir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, name)
			continue
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		present = append(present, path)
	}
	return present, missing
}

// Check validates sourceDir against the bundle and fingerprints the present
// files. Unreadable files are reported as missing.
func (b Bundle) Check(sourceDir string) Report {
	present, missing := Validate(sourceDir, b.Names())

	set := digest.NewSet()
	readable := make([]string, 0, len(present))
	for _, path := range present {
		sum, err := digest.File(path)
		if err != nil {
			missing = insertOrdered(b.Names(), missing, filepath.Base(path))
			continue
		}
		set.Add(filepath.Base(path), sum)
		readable = append(readable, path)
	}

	return Report{
		SourceDir:   sourceDir,
		Present:     readable,
		Missing:     missing,
		Fingerprint: set.Sum(),
	}
}

// MissingRequired filters r.Missing down to files the bundle does not mark
// optional.
func (r Report) MissingRequired(b Bundle) []string {
	optional := make(map[string]bool, len(b.Files))
	for _, f := range b.Files {
		optional[f.Name] = f.Optional
	}
	out := make([]string, 0, len(r.Missing))
	for _, name := range r.Missing {
		if !optional[name] {
			out = append(out, name)
		}
	}
	return out
}

// Has reports whether name was found.
func (r Report) Has(name string) bool {
	for _, p := range r.Present {
		if filepath.Base(p) == name {
			return true
		}
	}
	return false
}

// MissingFilesError is returned by the controller when required bundle files
// are absent. It always lists every missing file.
type MissingFilesError struct {
	SourceDir string
	Names     []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("missing required files in %s: %s", e.SourceDir, strings.Join(e.Names, ", "))
}

// IsMissingFiles reports whether err is (or wraps) a MissingFilesError.
func IsMissingFiles(err error) bool {
	var target *MissingFilesError
	return errors.As(err, &target)
}

func insertOrdered(order, list []string, name string) []string {
	rank := make(map[string]int, len(order))
	for i, n := range order {
		rank[n] = i
	}
	out := make([]string, 0, len(list)+1)
	inserted := false
	for _, n := range list {
		if !inserted && rank[name] < rank[n] {
			out = append(out, name)
			inserted = true
		}
		out = append(out, n)
	}
	if !inserted {
		out = append(out, name)
	}
	return out
}
