package table

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/poke/osmem"
	"github.com/pattyshack/poke/session"
	. "github.com/pattyshack/poke/session/common"
)

type TableSuite struct{}

func TestTable(t *testing.T) {
	suite.RunTests(t, &TableSuite{})
}

const fixture = `
entries:
  - label: player health
    path: game.exe+10,20
  - label: greeting
    signature: "4D 79 ?? ?? 56 61"
`

func (TableSuite) TestParse(t *testing.T) {
	table, err := Parse([]byte(fixture))
	expect.Nil(t, err)
	expect.Equal(t, 2, len(table.Entries))
	expect.Equal(t, "player health", table.Entries[0].Label)
	expect.Equal(t, "game.exe+10,20", table.Entries[0].Path)
	expect.Equal(t, "4D 79 ?? ?? 56 61", table.Entries[1].Signature)
}

func (TableSuite) TestParseRejections(t *testing.T) {
	_, err := Parse([]byte("entries:\n  - path: 400000\n"))
	expect.True(t, errors.Is(err, ErrInvalidTable))
	expect.Error(t, err, "without label")

	_, err = Parse([]byte(
		"entries:\n  - label: both\n    path: 400000\n" +
			"    signature: \"4D\"\n"))
	expect.Error(t, err, "exactly one of path or signature")

	_, err = Parse([]byte("entries:\n  - label: neither\n"))
	expect.Error(t, err, "exactly one of path or signature")

	_, err = Parse([]byte(
		"entries:\n  - label: bad path\n    path: xyz\n"))
	expect.True(t, errors.Is(err, ErrInvalidTable))

	_, err = Parse([]byte(
		"entries:\n  - label: bad signature\n    signature: \"??\"\n"))
	expect.Error(t, err, "all-wildcard")

	_, err = Parse([]byte(
		"entries:\n" +
			"  - label: twin\n    path: 400000\n" +
			"  - label: twin\n    path: 400008\n"))
	expect.Error(t, err, "duplicate label")
}

func (TableSuite) TestSaveLoadRoundTrip(t *testing.T) {
	table, err := Parse([]byte(fixture))
	expect.Nil(t, err)

	path := filepath.Join(t.TempDir(), "game.yaml")
	expect.Nil(t, table.Save(path))

	loaded, err := Load(path)
	expect.Nil(t, err)
	expect.Equal(t, table.Entries, loaded.Entries)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	expect.True(t, errors.Is(err, os.ErrNotExist))
}

func (TableSuite) TestResolve(t *testing.T) {
	sim := osmem.NewSimulatedProcess(Bitness64)
	target := session.New(sim, Bitness64)

	expect.Nil(t, sim.MapRegion(0x400000, 0x1000, "rw"))
	sim.SetModule("game.exe", 0x400000)
	expect.Nil(t, target.WriteUint64(0x400010, 0x400100))
	sim.SetBytes(0x400200, []byte("My01Va"))
	sim.SetBytes(0x400300, []byte("My02Va"))

	table, err := Parse([]byte(fixture))
	expect.Nil(t, err)

	resolutions := table.Resolve(target)
	expect.Equal(t, 2, len(resolutions))

	expect.Nil(t, resolutions[0].Err)
	expect.Equal(
		t,
		VirtualAddresses{0x400120},
		resolutions[0].Addresses)

	expect.Nil(t, resolutions[1].Err)
	expect.Equal(
		t,
		VirtualAddresses{0x400200, 0x400300},
		resolutions[1].Addresses)

	// A broken entry fails alone.
	table.Entries[0].Path = "missing.dll+10"
	resolutions = table.Resolve(target)
	expect.NotNil(t, resolutions[0].Err)
	expect.Nil(t, resolutions[1].Err)
}
