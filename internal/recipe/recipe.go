// Package recipe models the build recipe used to compile the scanner and
// parser inside a workspace.
//
// A Recipe is a typed value with named targets; it is rendered to a Makefile
// only at the point it is written into the workspace. Custom recipes found in
// a workspace are checked for the required target names without being
// rewritten.
package recipe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Required target names every recipe must define.
const (
	TargetAll     = "all"
	TargetScanner = "scanner"
	TargetParser  = "parser"
	TargetClean   = "clean"
)

// RequiredTargets lists the targets a custom recipe must define.
var RequiredTargets = []string{TargetAll, TargetScanner, TargetParser, TargetClean}

// Variable is a make variable assignment rendered as `NAME = value`. Make
// predefines variables such as CC, so a conditional assignment would never
// apply. A command-line `make NAME=...` still overrides it.
type Variable struct {
	Name  string
	Value string
}

// Target is one make rule.
type Target struct {
	Name     string
	Prereqs  []string
	Commands []string
	Phony    bool
}

// Recipe is an ordered set of variables and targets.
type Recipe struct {
	Variables []Variable
	Targets   []Target
}

// Default returns the recipe synthesized when a workspace carries none. cc is
// the C compiler; an empty value falls back to gcc. The clean target uses
// rm -f so it can be re-run on an already clean tree.
func Default(cc string) Recipe {
	if strings.TrimSpace(cc) == "" {
		cc = "gcc"
	}
	return Recipe{
		Variables: []Variable{
			{Name: "CC", Value: cc},
			{Name: "CFLAGS", Value: "-Wall"},
		},
		Targets: []Target{
			{Name: TargetAll, Prereqs: []string{TargetScanner, TargetParser}, Phony: true},
			{
				Name:     TargetScanner,
				Prereqs:  []string{"scanner.c", "token_strings.c", "tokens.h"},
				Commands: []string{"$(CC) $(CFLAGS) -o scanner scanner.c token_strings.c"},
			},
			{
				Name:     TargetParser,
				Prereqs:  []string{"parser.c", "token_strings.c", "tokens.h"},
				Commands: []string{"$(CC) $(CFLAGS) -o parser parser.c token_strings.c"},
			},
			{
				Name:     TargetClean,
				Commands: []string{"rm -f scanner parser tokens.txt tree.dot tree.png tree.svg"},
				Phony:    true,
			},
		},
	}
}

// Target returns the named target.
func (r Recipe) Target(name string) (Target, bool) {
	for _, t := range r.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// Validate checks that every required target is defined.
func (r Recipe) Validate() error {
	names := make([]string, 0, len(r.Targets))
	for _, t := range r.Targets {
		names = append(names, t.Name)
	}
	return checkTargets(names)
}

// Render writes r in Makefile syntax.
func (r Recipe) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)

	for _, v := range r.Variables {
		fmt.Fprintf(bw, "%s = %s\n", v.Name, v.Value)
	}
	if len(r.Variables) > 0 {
		bw.WriteString("\n")
	}

	var phony []string
	for _, t := range r.Targets {
		if t.Phony {
			phony = append(phony, t.Name)
		}
	}
	if len(phony) > 0 {
		fmt.Fprintf(bw, ".PHONY: %s\n\n", strings.Join(phony, " "))
	}

	for i, t := range r.Targets {
		if i > 0 {
			bw.WriteString("\n")
		}
		if len(t.Prereqs) > 0 {
			fmt.Fprintf(bw, "%s: %s\n", t.Name, strings.Join(t.Prereqs, " "))
		} else {
			fmt.Fprintf(bw, "%s:\n", t.Name)
		}
		for _, c := range t.Commands {
			fmt.Fprintf(bw, "\t%s\n", c)
		}
	}
	return bw.Flush()
}

// String renders r as Makefile text.
func (r Recipe) String() string {
	var sb strings.Builder
	_ = r.Render(&sb)
	return sb.String()
}

// WriteFile renders r to path.
func (r Recipe) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create recipe: %w", err)
	}
	if err := r.Render(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write recipe: %w", err)
	}
	return f.Close()
}

// MissingTargetsError lists required targets a recipe does not define.
type MissingTargetsError struct {
	Missing []string
}

func (e *MissingTargetsError) Error() string {
	return fmt.Sprintf("recipe is missing required targets: %s", strings.Join(e.Missing, ", "))
}

// ParseTargets returns the rule target names declared in Makefile text, in
// order of first appearance. Variable assignments, recipe lines, comments and
// pattern/special targets are ignored.
func ParseTargets(rd io.Reader) ([]string, error) {
	seen := make(map[string]bool)
	var names []string

	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "\t") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		// `NAME := value` and `NAME ::= value` are assignments.
		if rest := line[colon:]; strings.HasPrefix(rest, ":=") || strings.HasPrefix(rest, "::=") {
			continue
		}
		head := line[:colon]
		if strings.ContainsAny(head, "=$%") {
			continue
		}
		for _, name := range strings.Fields(head) {
			if strings.HasPrefix(name, ".") || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}
	return names, nil
}

// ValidateFile parses the Makefile at path and checks the required targets.
func ValidateFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open recipe: %w", err)
	}
	defer f.Close()

	names, err := ParseTargets(f)
	if err != nil {
		return err
	}
	return checkTargets(names)
}

func checkTargets(names []string) error {
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	var missing []string
	for _, want := range RequiredTargets {
		if !have[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingTargetsError{Missing: missing}
}
