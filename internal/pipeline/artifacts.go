package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattjoyce/tinyc/internal/digest"
	"github.com/mattjoyce/tinyc/internal/workspace"
)

// maxTextContent bounds how much of a text artifact is copied into an
// outcome.
const maxTextContent = 1 << 20

func collectArtifacts(ws workspace.Workspace, specs []ArtifactSpec, out Outcome) []Artifact {
	artifacts := make([]Artifact, 0, len(specs))
	for _, spec := range specs {
		a := Artifact{
			Name:   spec.Name,
			Stage:  spec.Stage,
			Path:   ws.Path(spec.Name),
			Failed: out.FailedStage == spec.Stage,
		}

		info, err := os.Stat(a.Path)
		if err == nil && info.Mode().IsRegular() {
			a.Present = true
			a.Size = info.Size()
			if sum, derr := digest.File(a.Path); derr == nil {
				a.Digest = sum
			}
			if spec.Text {
				a.Content, a.Truncated = readText(a.Path)
			}
		}
		artifacts = append(artifacts, a)
	}
	return artifacts
}

// readText returns at most maxTextContent bytes of path and whether the file
// held more.
func readText(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxTextContent+1))
	if err != nil {
		return "", false
	}
	if len(data) > maxTextContent {
		return string(data[:maxTextContent]), true
	}
	return string(data), false
}

// exportArtifacts copies present artifacts into dir and records where each
// one went. Existing files with the same name are overwritten.
func exportArtifacts(dir string, artifacts []Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for i := range artifacts {
		a := &artifacts[i]
		if !a.Present {
			continue
		}
		dst := filepath.Join(dir, a.Name)
		if err := copyFile(a.Path, dst); err != nil {
			return fmt.Errorf("export %s: %w", a.Name, err)
		}
		a.ExportedPath = dst
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
