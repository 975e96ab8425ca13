package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errFSDetectUnsupported is returned by detectors on platforms where the
// filesystem type cannot be determined; checks pass there.
var errFSDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

// Filesystems on which flock and SQLite's locking cannot be trusted.
var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
	"sshfs":  {},
}

// FSInfo describes the filesystem holding a path.
type FSInfo struct {
	// Inspected is the nearest existing ancestor of the path asked about.
	Inspected string
	// Type is a name such as "ext4" or "nfs", or a hex magic number when
	// the type is not one we name. Empty when detection is unsupported.
	Type    string
	Network bool
}

// Probe reports the filesystem that path lives on, or would live on once
// created.
func Probe(path string) (FSInfo, error) {
	return probeWith(path, detectFilesystemType)
}

func probeWith(path string, detector func(string) (string, error)) (FSInfo, error) {
	if path == "" {
		return FSInfo{}, errors.New("path is empty")
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return FSInfo{}, fmt.Errorf("resolve %q: %w", path, err)
	}

	info := FSInfo{Inspected: inspect}
	fsType, err := detector(inspect)
	if errors.Is(err, errFSDetectUnsupported) {
		return info, nil
	}
	if err != nil {
		return FSInfo{}, fmt.Errorf("detect filesystem for %q: %w", inspect, err)
	}
	info.Type = fsType
	info.Network = isNetworkFilesystem(fsType)
	return info, nil
}

// CheckLocalFilesystem refuses a history database on a network filesystem.
func CheckLocalFilesystem(path string) error {
	return checkLocal(path, "history database", "history.path", detectFilesystemType)
}

// CheckWorkspaceFilesystem refuses a workspace base directory on a network
// filesystem; workspace locks would not exclude other hosts.
func CheckWorkspaceFilesystem(dir string) error {
	return checkLocal(dir, "workspace base dir", "workspace.base_dir", detectFilesystemType)
}

func checkLocal(path, what, field string, detector func(string) (string, error)) error {
	info, err := probeWith(path, detector)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if info.Network {
		return fmt.Errorf("%s %q is on network filesystem %q; locks are unreliable there, set %s to a local path",
			what, path, info.Type, field)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	name := strings.ToLower(strings.TrimSpace(fsType))
	// FUSE mounts report as fuse.<name> in mount tables.
	name = strings.TrimPrefix(name, "fuse.")
	_, ok := networkFilesystems[name]
	return ok
}
