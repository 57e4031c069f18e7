// Package workspace discovers issue workspaces on the local machine. A
// workspace is a directory served by an issuedeck server; discovery merges
// the on-disk registry file, ad hoc in-process registrations, and a scan
// of configured parent directories into one descriptor list.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	apperrors "github.com/issuedeck/client/internal/errors"
)

// DatabaseFileName is the marker file identifying a workspace directory.
const DatabaseFileName = ".issuedeck.db"

// Descriptor describes one discovered workspace.
type Descriptor struct {
	// Path is the workspace root directory.
	Path string `json:"path"`

	// Database is the workspace database file, usually under Path.
	Database string `json:"database"`

	// PID is the serving process, 0 when unknown.
	PID int `json:"pid,omitempty"`

	// Version is the serving process version string, if recorded.
	Version string `json:"version,omitempty"`

	// Alive reports whether PID currently refers to a live process.
	// Derived at discovery time, never persisted.
	Alive bool `json:"-"`
}

// Finder merges workspace descriptors from three sources:
//
//  1. the registry file (JSON list of descriptors),
//  2. ad hoc in-process registrations,
//  3. immediate children of the scan roots containing a workspace
//     database file.
//
// On path collision, registry entries win over ad hoc ones, and ad hoc
// entries win over scanned ones.
type Finder struct {
	registryPath string
	scanRoots    []string

	mu    sync.Mutex
	adhoc map[string]Descriptor
}

// NewFinder creates a finder reading registryPath and scanning the
// immediate children of each scan root.
func NewFinder(registryPath string, scanRoots ...string) *Finder {
	return &Finder{
		registryPath: registryPath,
		scanRoots:    scanRoots,
		adhoc:        make(map[string]Descriptor),
	}
}

// Register adds an ad hoc descriptor for the lifetime of this process.
// Registering the same path again replaces the earlier entry.
func (f *Finder) Register(desc Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adhoc[desc.Path] = desc
}

// Discover returns the merged descriptor list, sorted by path. Each
// descriptor's Alive flag reflects a liveness probe of its pid.
//
// A missing registry file is not an error; an unparsable one is, and
// aborts discovery rather than returning a partial merge.
func (f *Finder) Discover() ([]Descriptor, error) {
	registry, err := ReadRegistry(f.registryPath)
	if err != nil {
		return nil, err
	}

	// Lowest precedence first; later writes overwrite earlier ones.
	merged := make(map[string]Descriptor)
	for _, desc := range f.scan() {
		merged[desc.Path] = desc
	}

	f.mu.Lock()
	for path, desc := range f.adhoc {
		merged[path] = desc
	}
	f.mu.Unlock()

	for _, desc := range registry {
		merged[desc.Path] = desc
	}

	out := make([]Descriptor, 0, len(merged))
	for _, desc := range merged {
		desc.Alive = pidAlive(desc.PID)
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// scan finds workspace directories among the immediate children of the
// scan roots. Unreadable roots are skipped; a scan never fails discovery.
func (f *Finder) scan() []Descriptor {
	var out []Descriptor
	for _, root := range f.scanRoots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			db := filepath.Join(dir, DatabaseFileName)
			if _, err := os.Stat(db); err != nil {
				continue
			}
			out = append(out, Descriptor{Path: dir, Database: db})
		}
	}
	return out
}

// ReadRegistry parses the registry file at path. A missing file yields an
// empty list; an unparsable one yields workspace.registry_invalid.
func ReadRegistry(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.RegistryInvalid(path, err)
	}

	var out []Descriptor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.RegistryInvalid(path, err)
	}
	return out, nil
}

// pidAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
