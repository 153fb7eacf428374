// Package modules caches the load addresses of the target's loaded
// modules.  Bases are cached per session since module loads/unloads are
// rare; everything else about the target is requeried on every use.
package modules

import (
	"fmt"
	"strings"

	. "github.com/pattyshack/poke/session/common"
)

var (
	ErrModuleNotFound = fmt.Errorf("module not found")
)

type BaseResolver interface {
	ResolveModuleBase(name string) (VirtualAddress, error)
}

// SymbolResolver is optionally implemented by operating system services
// that can resolve symbols within a loaded module.
type SymbolResolver interface {
	ResolveSymbol(module string, symbol string) (VirtualAddress, error)
}

type Cache struct {
	resolver BaseResolver

	// keyed by case-folded module name
	bases map[string]VirtualAddress
}

func NewCache(resolver BaseResolver) *Cache {
	return &Cache{
		resolver: resolver,
		bases:    map[string]VirtualAddress{},
	}
}

// BaseAddress returns the module's load address.  Lookup against the cache
// is case-insensitive; the first resolution of a name goes to the
// operating system service.
func (cache *Cache) BaseAddress(name string) (VirtualAddress, error) {
	folded := strings.ToLower(name)

	base, ok := cache.bases[folded]
	if ok {
		return base, nil
	}

	base, err := cache.resolver.ResolveModuleBase(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, err)
	}

	cache.bases[folded] = base
	return base, nil
}

// SymbolAddress resolves a "module!symbol" reference.  Fails when the
// underlying operating system service has no symbol support.
func (cache *Cache) SymbolAddress(ref string) (VirtualAddress, error) {
	module, symbol, found := strings.Cut(ref, "!")
	if !found || module == "" || symbol == "" {
		return 0, fmt.Errorf(
			"%w: malformed symbol reference %q (want module!symbol)",
			ErrInvalidArgument,
			ref)
	}

	resolver, ok := cache.resolver.(SymbolResolver)
	if !ok {
		return 0, fmt.Errorf(
			"%w: symbol resolution not supported by this target",
			ErrInvalidArgument)
	}

	// Verify the module is actually loaded (and warm the base cache).
	_, err := cache.BaseAddress(module)
	if err != nil {
		return 0, err
	}

	return resolver.ResolveSymbol(module, symbol)
}

// Invalidate drops all cached bases.  Call after the target is known to
// have loaded or unloaded libraries.
func (cache *Cache) Invalidate() {
	cache.bases = map[string]VirtualAddress{}
}
