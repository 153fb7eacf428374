// Package table reads and writes address-table files: YAML documents
// binding human labels to pointer paths or byte signatures, shareable
// between sessions against the same target build.
package table

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pattyshack/poke/session"
	. "github.com/pattyshack/poke/session/common"
	"github.com/pattyshack/poke/session/memscan"
	"github.com/pattyshack/poke/session/pointerpath"
)

var (
	ErrInvalidTable = fmt.Errorf("invalid address table")
)

// Entry binds a label to exactly one addressing form: a textual pointer
// path or a hex-with-wildcards byte signature.
type Entry struct {
	Label     string `yaml:"label"`
	Path      string `yaml:"path,omitempty"`
	Signature string `yaml:"signature,omitempty"`
}

func (entry Entry) validate() error {
	if entry.Label == "" {
		return fmt.Errorf("%w: entry without label", ErrInvalidTable)
	}

	if (entry.Path == "") == (entry.Signature == "") {
		return fmt.Errorf(
			"%w: entry %s must have exactly one of path or signature",
			ErrInvalidTable,
			entry.Label)
	}

	if entry.Path != "" {
		_, err := pointerpath.Parse(entry.Path)
		if err != nil {
			return fmt.Errorf(
				"%w: entry %s: %s",
				ErrInvalidTable,
				entry.Label,
				err)
		}
		return nil
	}

	_, err := memscan.CompilePattern(entry.Signature)
	if err != nil {
		return fmt.Errorf(
			"%w: entry %s: %s",
			ErrInvalidTable,
			entry.Label,
			err)
	}
	return nil
}

type Table struct {
	Entries []Entry `yaml:"entries"`
}

func (table *Table) validate() error {
	seen := map[string]struct{}{}
	for _, entry := range table.Entries {
		err := entry.validate()
		if err != nil {
			return err
		}

		_, duplicate := seen[entry.Label]
		if duplicate {
			return fmt.Errorf(
				"%w: duplicate label %s",
				ErrInvalidTable,
				entry.Label)
		}
		seen[entry.Label] = struct{}{}
	}
	return nil
}

// Parse decodes and validates an address table document.
func Parse(content []byte) (*Table, error) {
	table := &Table{}
	err := yaml.Unmarshal(content, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTable, err)
	}

	err = table.validate()
	if err != nil {
		return nil, err
	}
	return table, nil
}

// Load reads an address table from a file.
func Load(path string) (*Table, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to load address table %s: %w",
			path,
			err)
	}

	table, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to load address table %s: %w",
			path,
			err)
	}
	return table, nil
}

// Save validates the table and writes it as YAML.
func (table *Table) Save(path string) error {
	err := table.validate()
	if err != nil {
		return err
	}

	content, err := yaml.Marshal(table)
	if err != nil {
		return fmt.Errorf(
			"failed to save address table %s: %w",
			path,
			err)
	}

	err = os.WriteFile(path, content, 0644)
	if err != nil {
		return fmt.Errorf(
			"failed to save address table %s: %w",
			path,
			err)
	}
	return nil
}

// Resolution is the outcome of resolving one entry against a live
// session.  Path entries produce exactly one address; signature entries
// produce every match.
type Resolution struct {
	Entry     Entry
	Addresses VirtualAddresses
	Err       error
}

// Resolve evaluates every entry against the session.  Entries fail
// individually; one unresolvable entry does not hide the others.
func (table *Table) Resolve(target *session.Session) []Resolution {
	resolutions := make([]Resolution, 0, len(table.Entries))
	for _, entry := range table.Entries {
		resolution := Resolution{Entry: entry}

		if entry.Path != "" {
			addr, err := target.EvaluatePath(entry.Path)
			if err != nil {
				resolution.Err = err
			} else {
				resolution.Addresses = VirtualAddresses{addr}
			}
			resolutions = append(resolutions, resolution)
			continue
		}

		pattern, err := memscan.CompilePattern(entry.Signature)
		if err != nil {
			resolution.Err = err
			resolutions = append(resolutions, resolution)
			continue
		}

		matches, err := target.Find(pattern, nil, memscan.ScanFilter{})
		if err != nil {
			resolution.Err = err
		} else {
			resolution.Addresses = matches
		}
		resolutions = append(resolutions, resolution)
	}
	return resolutions
}
