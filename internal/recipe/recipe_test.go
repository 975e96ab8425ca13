package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinesRequiredTargets(t *testing.T) {
	r := Default("")
	require.NoError(t, r.Validate())

	all, ok := r.Target(TargetAll)
	require.True(t, ok)
	assert.Equal(t, []string{TargetScanner, TargetParser}, all.Prereqs)

	clean, ok := r.Target(TargetClean)
	require.True(t, ok)
	require.Len(t, clean.Commands, 1)
	assert.True(t, strings.HasPrefix(clean.Commands[0], "rm -f "), "clean must be idempotent")
	for _, artifact := range []string{"scanner", "parser", "tokens.txt", "tree.dot", "tree.png"} {
		assert.Contains(t, clean.Commands[0], artifact)
	}
}

func TestDefaultCompiler(t *testing.T) {
	assert.Contains(t, Default("").String(), "CC = gcc\n")
	assert.Contains(t, Default("clang").String(), "CC = clang\n")
	assert.NotContains(t, Default("clang").String(), "?=")
}

func TestRenderRoundTripsThroughParseTargets(t *testing.T) {
	text := Default("cc").String()

	assert.Contains(t, text, ".PHONY: all clean\n")
	assert.Contains(t, text, "scanner: scanner.c token_strings.c tokens.h\n\t$(CC) $(CFLAGS) -o scanner scanner.c token_strings.c\n")

	names, err := ParseTargets(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, []string{"all", "scanner", "parser", "clean"}, names)
}

func TestParseTargetsIgnoresAssignmentsAndSpecials(t *testing.T) {
	src := `# custom recipe
CC := clang
OPT = -O2
.PHONY: all clean
%.o: %.c
	$(CC) -c $<
all scanner: deps
parser: parser.c # trailing comment
clean:
	rm -f scanner
`
	names, err := ParseTargets(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"all", "scanner", "parser", "clean"}, names)
}

func TestValidateFileReportsMissingTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Makefile")
	require.NoError(t, os.WriteFile(path, []byte("all: scanner\nscanner:\n\tcc -o scanner scanner.c\n"), 0o644))

	err := ValidateFile(path)
	var missing *MissingTargetsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"clean", "parser"}, missing.Missing)
	assert.Equal(t, "recipe is missing required targets: clean, parser", err.Error())
}

func TestWriteFileThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Makefile")
	require.NoError(t, Default("gcc").WriteFile(path))
	assert.NoError(t, ValidateFile(path))
}
