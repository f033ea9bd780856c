package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Morse2580/Mimir-sub001/pkg/errors"
)

// Well-known namespaces
const (
	NamespaceSearch  = "search"
	NamespaceTask    = "task"
	NamespaceProfile = "profile"
	NamespaceStatic  = "static"
)

// Key addresses one cache entry. Namespace and Identifier are required;
// Version defaults to v1. Context pairs distinguish variants of the
// same identifier and always serialize in sorted order, so the same
// logical key renders the same string whatever the map iteration did.
type Key struct {
	Namespace  string
	Identifier string
	Version    string
	Context    map[string]string
}

// NewKey creates a v1 key for the namespace and identifier
func NewKey(namespace, identifier string) Key {
	return Key{
		Namespace:  namespace,
		Identifier: identifier,
		Version:    "v1",
	}
}

// WithVersion sets the key version
func (k Key) WithVersion(version string) Key {
	k.Version = version
	return k
}

// WithContext adds a context pair
func (k Key) WithContext(key, value string) Key {
	ctx := make(map[string]string, len(k.Context)+1)
	for ck, cv := range k.Context {
		ctx[ck] = cv
	}
	ctx[key] = value
	k.Context = ctx
	return k
}

// Validate checks the key addresses something
func (k Key) Validate() error {
	if k.Namespace == "" {
		return errors.NewValidationError("cache key namespace is required")
	}
	if k.Identifier == "" {
		return errors.NewValidationError("cache key identifier is required")
	}
	return nil
}

// String returns the formatted store key
func (k Key) String() string {
	version := k.Version
	if version == "" {
		version = "v1"
	}
	base := fmt.Sprintf("cache:%s:%s:%s", k.Namespace, k.Identifier, version)
	if len(k.Context) == 0 {
		return base
	}

	names := make([]string, 0, len(k.Context))
	for name := range k.Context {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+k.Context[name])
	}
	return base + "#" + strings.Join(pairs, "|")
}

// MetaKey returns the sidecar metadata key
func (k Key) MetaKey() string {
	return k.String() + ":meta"
}

// HitsKey returns the read counter key
func (k Key) HitsKey() string {
	return k.String() + ":hits"
}
