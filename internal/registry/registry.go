// Package registry holds the static catalog of extensions and dialplan
// contexts known to the PBX. It is loaded once at startup and never mutated.
package registry

import (
	"fmt"
	"sort"
)

// Extension identifies a call endpoint. The ID is usually a number code but
// is kept as an opaque string. Extensions outside the catalog are valid
// (external destinations) and carry no display name.
type Extension struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// String renders "Name (702)" for catalog extensions and "702" otherwise.
func (e Extension) String() string {
	if e.DisplayName == "" {
		return e.ID
	}
	return fmt.Sprintf("%s (%s)", e.DisplayName, e.ID)
}

// Equal compares extensions by ID only.
func (e Extension) Equal(other Extension) bool {
	return e.ID == other.ID
}

// Context is an operating scope a call arrives in, e.g. "from_internal".
// ProtocolName is the identifier the telephony engine uses on the wire.
type Context struct {
	ProtocolName string `json:"name"`
	DisplayName  string `json:"display_name"`
}

// String returns the display name.
func (c Context) String() string {
	return c.DisplayName
}

// Registry is a read-only lookup of extensions and contexts. All methods are
// safe for concurrent use because nothing is written after New returns.
type Registry struct {
	extensions map[string]Extension
	contexts   map[string]Context
	extOrder   []string
	ctxOrder   []string
}

// New builds a registry from the given catalog entries. Empty identifiers and
// duplicates are rejected.
func New(extensions []Extension, contexts []Context) (*Registry, error) {
	r := &Registry{
		extensions: make(map[string]Extension, len(extensions)),
		contexts:   make(map[string]Context, len(contexts)),
	}

	for i, e := range extensions {
		if e.ID == "" {
			return nil, fmt.Errorf("extensions[%d]: extension is required", i)
		}
		if _, dup := r.extensions[e.ID]; dup {
			return nil, fmt.Errorf("extensions[%d]: duplicate extension %q", i, e.ID)
		}
		r.extensions[e.ID] = e
		r.extOrder = append(r.extOrder, e.ID)
	}

	for i, c := range contexts {
		if c.ProtocolName == "" {
			return nil, fmt.Errorf("contexts[%d]: asterisk_name is required", i)
		}
		if _, dup := r.contexts[c.ProtocolName]; dup {
			return nil, fmt.Errorf("contexts[%d]: duplicate context %q", i, c.ProtocolName)
		}
		if c.DisplayName == "" {
			c.DisplayName = c.ProtocolName
		}
		r.contexts[c.ProtocolName] = c
		r.ctxOrder = append(r.ctxOrder, c.ProtocolName)
	}

	sort.Strings(r.extOrder)
	return r, nil
}

// Extension returns the catalog entry for id, or a bare external extension
// when id is not in the catalog.
func (r *Registry) Extension(id string) Extension {
	if e, ok := r.extensions[id]; ok {
		return e
	}
	return Extension{ID: id}
}

// Known reports whether id is a catalog extension.
func (r *Registry) Known(id string) bool {
	_, ok := r.extensions[id]
	return ok
}

// Context looks up a context by its protocol name.
func (r *Registry) Context(name string) (Context, bool) {
	c, ok := r.contexts[name]
	return c, ok
}

// Extensions returns all catalog extensions ordered by ID.
func (r *Registry) Extensions() []Extension {
	out := make([]Extension, 0, len(r.extOrder))
	for _, id := range r.extOrder {
		out = append(out, r.extensions[id])
	}
	return out
}

// Contexts returns all contexts in catalog order.
func (r *Registry) Contexts() []Context {
	out := make([]Context, 0, len(r.ctxOrder))
	for _, name := range r.ctxOrder {
		out = append(out, r.contexts[name])
	}
	return out
}
