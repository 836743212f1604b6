package cdc

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is a resumable location in the binlog. A position captured at a
// transaction commit is always safe to resume from.
type Position struct {
	File    string `json:"file" msgpack:"file"`
	Offset  uint32 `json:"offset" msgpack:"offset"`
	GTIDSet string `json:"gtid_set,omitempty" msgpack:"gtid_set,omitempty"`
}

// IsZero reports whether the position names no location at all.
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0 && p.GTIDSet == ""
}

// String renders the position as file:offset, with the GTID set appended
// when one is known.
func (p Position) String() string {
	if p.IsZero() {
		return "<none>"
	}
	s := fmt.Sprintf("%s:%d", p.File, p.Offset)
	if p.GTIDSet != "" {
		s += "@" + p.GTIDSet
	}
	return s
}

// Compare orders two file positions. Binlog file names share a base name with
// a zero-padded sequence suffix, so the suffix decides ordering across files.
// GTID sets are ignored.
func (p Position) Compare(o Position) int {
	if p.File != o.File {
		ps, pok := fileSequence(p.File)
		os, ook := fileSequence(o.File)
		if pok && ook && ps != os {
			if ps < os {
				return -1
			}
			return 1
		}
		return strings.Compare(p.File, o.File)
	}
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

// ParsePosition reverses String for the file:offset form.
func ParsePosition(s string) (Position, error) {
	var pos Position
	if i := strings.IndexByte(s, '@'); i >= 0 {
		pos.GTIDSet = s[i+1:]
		s = s[:i]
	}
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Position{}, fmt.Errorf("invalid binlog position %q", s)
	}
	off, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("invalid binlog offset in %q: %w", s, err)
	}
	pos.File = s[:i]
	pos.Offset = uint32(off)
	return pos, nil
}

func fileSequence(name string) (uint64, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return 0, false
	}
	n, err := strconv.ParseUint(name[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
