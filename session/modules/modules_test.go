package modules

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/poke/osmem"
	. "github.com/pattyshack/poke/session/common"
)

type ModulesSuite struct{}

func TestModules(t *testing.T) {
	suite.RunTests(t, &ModulesSuite{})
}

// countingResolver resolves exact names only and counts lookups, to
// observe the cache.  It has no symbol support.
type countingResolver struct {
	bases map[string]VirtualAddress
	calls int
}

func (resolver *countingResolver) ResolveModuleBase(
	name string,
) (
	VirtualAddress,
	error,
) {
	resolver.calls++

	base, ok := resolver.bases[name]
	if !ok {
		return 0, fmt.Errorf("module %s not loaded", name)
	}
	return base, nil
}

func (ModulesSuite) TestBaseAddressCaching(t *testing.T) {
	resolver := &countingResolver{
		bases: map[string]VirtualAddress{
			"game.exe": 0x400000,
		},
	}
	cache := NewCache(resolver)

	base, err := cache.BaseAddress("game.exe")
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x400000), base)
	expect.Equal(t, 1, resolver.calls)

	// Cache hit, case folded; the resolver itself only knows the exact
	// name.
	base, err = cache.BaseAddress("GAME.EXE")
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x400000), base)
	expect.Equal(t, 1, resolver.calls)

	_, err = cache.BaseAddress("missing.dll")
	expect.True(t, errors.Is(err, ErrModuleNotFound))
	expect.Equal(t, 2, resolver.calls)

	cache.Invalidate()
	_, err = cache.BaseAddress("game.exe")
	expect.Nil(t, err)
	expect.Equal(t, 3, resolver.calls)
}

func (ModulesSuite) TestSymbolAddress(t *testing.T) {
	sim := osmem.NewSimulatedProcess(Bitness64)
	sim.SetModule("game.exe", 0x400000)
	sim.SetSymbol("game.exe", "player_health", 0x400123)

	cache := NewCache(sim)

	addr, err := cache.SymbolAddress("game.exe!player_health")
	expect.Nil(t, err)
	expect.Equal(t, VirtualAddress(0x400123), addr)

	_, err = cache.SymbolAddress("game.exe!no_such_symbol")
	expect.Error(t, err, "not found")

	_, err = cache.SymbolAddress("missing.dll!symbol")
	expect.True(t, errors.Is(err, ErrModuleNotFound))

	_, err = cache.SymbolAddress("no-separator")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
	expect.Error(t, err, "malformed symbol reference")

	_, err = cache.SymbolAddress("!symbol")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (ModulesSuite) TestSymbolsUnsupported(t *testing.T) {
	cache := NewCache(&countingResolver{})

	_, err := cache.SymbolAddress("game.exe!player_health")
	expect.True(t, errors.Is(err, ErrInvalidArgument))
	expect.Error(t, err, "not supported")
}
