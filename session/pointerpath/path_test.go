package pointerpath

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/poke/session/common"
)

type ParseSuite struct{}

func TestParse(t *testing.T) {
	suite.RunTests(t, &ParseSuite{})
}

func (ParseSuite) TestModulePath(t *testing.T) {
	path, err := Parse("game.exe+1d005a70,1c,8,-4")
	expect.Nil(t, err)
	expect.Equal(t, "game.exe", path.ModuleName)
	expect.Equal(t, NewPointerOffset(0x1d005a70, false), path.BaseOffset)
	expect.Equal(
		t,
		[]PointerOffset{
			NewPointerOffset(0x1c, false),
			NewPointerOffset(8, false),
			NewPointerOffset(4, true),
		},
		path.Offsets)

	expect.Equal(t, "game.exe+1d005a70,1c,8,-4", path.String())
}

func (ParseSuite) TestModuleOnlyBase(t *testing.T) {
	path, err := Parse("libc.so.6+10")
	expect.Nil(t, err)
	expect.Equal(t, "libc.so.6", path.ModuleName)
	expect.Equal(t, NewPointerOffset(0x10, false), path.BaseOffset)
	expect.Equal(t, 0, len(path.Offsets))
}

func (ParseSuite) TestLiteralPath(t *testing.T) {
	path, err := Parse("1A2B3C,10")
	expect.Nil(t, err)
	expect.Equal(t, "", path.ModuleName)
	expect.Equal(
		t,
		[]PointerOffset{
			NewPointerOffset(0x1a2b3c, false),
			NewPointerOffset(0x10, false),
		},
		path.Offsets)

	expect.Equal(t, "1a2b3c,10", path.String())
}

func (ParseSuite) TestLiteralSingleEntry(t *testing.T) {
	path, err := Parse("7fff5000")
	expect.Nil(t, err)
	expect.Equal(t, "", path.ModuleName)
	expect.Equal(t, 1, len(path.Offsets))
	expect.Equal(t, NewPointerOffset(0x7fff5000, false), path.Offsets[0])
}

func (ParseSuite) TestWhitespaceTolerance(t *testing.T) {
	path, err := Parse(" game.exe+10 , 8 , -4 ")
	expect.Nil(t, err)
	expect.Equal(t, "game.exe", path.ModuleName)
	expect.Equal(t, 2, len(path.Offsets))
}

func (ParseSuite) TestInvalidPaths(t *testing.T) {
	_, err := Parse("")
	expect.Error(t, err, "empty pointer path")

	_, err = Parse("+10")
	expect.Error(t, err, "empty module name")

	_, err = Parse("game.exe+zz")
	expect.Error(t, err, "invalid base offset")

	_, err = Parse("game.exe+-10")
	expect.Error(t, err, "negative base offset")

	_, err = Parse("1000,xyz")
	expect.Error(t, err, "invalid offset")

	_, err = Parse("-1000,10")
	expect.Error(t, err, "negative base address")

	_, err = Parse("1000,,10")
	expect.Error(t, err, "invalid offset")
}

func (ParseSuite) TestRequires64Bit(t *testing.T) {
	path, err := Parse("1A2B3C,10")
	expect.Nil(t, err)
	expect.False(t, path.Requires64Bit())

	path, err = Parse("7fff80001000,10")
	expect.Nil(t, err)
	expect.True(t, path.Requires64Bit())

	path, err = Parse("game.exe+10,100000001")
	expect.Nil(t, err)
	expect.True(t, path.Requires64Bit())
}
