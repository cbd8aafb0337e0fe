// Package moduleloader maps client and server references to loadable
// modules and tracks each module's load state.
package moduleloader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPathViolation  = errors.New("moduleloader: attempted to load a server reference outside the hosted root")
	ErrModuleNotFound = errors.New("moduleloader: module not found")
	ErrExportNotFound = errors.New("moduleloader: export not found")
	ErrNotPreloaded   = errors.New("moduleloader: require called before preload settled")
	ErrNotAction      = errors.New("moduleloader: server actions must be functions")
	ErrModuleExists   = errors.New("moduleloader: module already registered")
	ErrInvalidModule  = errors.New("moduleloader: invalid module specifier")
)

// ExportAll names the whole module namespace instead of one export.
const ExportAll = "*"

// Metadata identifies one export of a loadable module.
type Metadata struct {
	Specifier string   `json:"specifier"`
	Name      string   `json:"name"`
	Chunks    []string `json:"chunks,omitempty"`
}

func (m Metadata) String() string {
	return m.Specifier + "#" + m.Name
}

// ClientReference is what a server model holds to point the client at an
// export it must load. It encodes as a module row.
type ClientReference struct {
	Specifier string
	Name      string
	Chunks    []string
}

// ResolveClientReference joins baseURL with the reference specifier.
func ResolveClientReference(baseURL string, ref [2]string) Metadata {
	return Metadata{Specifier: baseURL + ref[0], Name: ref[1]}
}

// ResolveServerReference splits id at its last '#' into specifier and
// export name. The specifier must live under baseURL.
func ResolveServerReference(baseURL, id string) (Metadata, error) {
	idx := strings.LastIndex(id, "#")
	specifier, name := id, ""
	if idx >= 0 {
		specifier, name = id[:idx], id[idx+1:]
	}
	if !underBase(specifier, baseURL) {
		return Metadata{}, fmt.Errorf("%w: %q", ErrPathViolation, specifier)
	}
	return Metadata{Specifier: specifier, Name: name}, nil
}

// underBase reports whether specifier names something inside baseURL. A
// base without a trailing slash still ends at a segment boundary.
func underBase(specifier, baseURL string) bool {
	if !strings.HasPrefix(specifier, baseURL) {
		return false
	}
	rest := specifier[len(baseURL):]
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") && rest != "" && !strings.HasPrefix(rest, "/") {
		return false
	}
	return !hasParentSegment(rest)
}

func hasParentSegment(rest string) bool {
	for _, seg := range strings.Split(rest, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// ManifestEntry locates one export inside the bundle.
type ManifestEntry struct {
	ID     string   `json:"id" toml:"id"`
	Chunks []string `json:"chunks" toml:"chunks"`
	Name   string   `json:"name" toml:"name"`
}

// ClientManifest maps module id to export name to entry. The "*" export
// stands for every export of a module.
type ClientManifest map[string]map[string]ManifestEntry

// Resolve looks up id/name, falling back to the module's "*" entry.
func (m ClientManifest) Resolve(id, name string) (Metadata, error) {
	exports := m[id]
	if entry, ok := exports[name]; ok {
		return Metadata{Specifier: entry.ID, Name: entry.Name, Chunks: entry.Chunks}, nil
	}
	if entry, ok := exports[ExportAll]; ok {
		return Metadata{Specifier: entry.ID, Name: name, Chunks: entry.Chunks}, nil
	}
	return Metadata{}, fmt.Errorf("%w: %q in client manifest", ErrModuleNotFound, id)
}

// ServerManifest maps server reference ids (or their module part) to
// entries.
type ServerManifest map[string]ManifestEntry

// Resolve returns the entry for id, or for the part before its last '#'.
func (m ServerManifest) Resolve(id string) (Metadata, error) {
	if entry, ok := m[id]; ok {
		return Metadata{Specifier: entry.ID, Name: entry.Name, Chunks: entry.Chunks}, nil
	}
	if idx := strings.LastIndex(id, "#"); idx != -1 {
		if entry, ok := m[id[:idx]]; ok {
			return Metadata{Specifier: entry.ID, Name: id[idx+1:], Chunks: entry.Chunks}, nil
		}
	}
	return Metadata{}, fmt.Errorf("%w: %q in server manifest", ErrModuleNotFound, id)
}
