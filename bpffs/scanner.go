package bpffs

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/frobware/go-ufp"
)

// MapPrefix starts the name of every map pinned by the table facility.
const MapPrefix = "ufp_"

// Scanner provides read-only access to the table maps pinned in one
// directory.
type Scanner struct {
	dir         string
	onMalformed func(path string, err error)
}

// NewScanner creates a Scanner for dir.
func NewScanner(dir string) *Scanner {
	return &Scanner{dir: dir}
}

// WithOnMalformed sets a callback for pins whose name does not parse.
// Returns the Scanner for chaining.
func (s *Scanner) WithOnMalformed(f func(path string, err error)) *Scanner {
	s.onMalformed = f
	return s
}

func (s *Scanner) reportMalformed(path string, err error) {
	if s.onMalformed != nil {
		s.onMalformed(path, err)
	}
}

// MapPin is one pinned table map: {dir}/ufp_{kind}_{direction}_{type}.
type MapPin struct {
	Path      string
	Name      string
	Kind      string
	Direction ufp.Direction
	Type      uint16
}

// ParseMapName splits a table map name into its parts.
func ParseMapName(name string) (kind string, dir ufp.Direction, typ uint16, err error) {
	rest, ok := strings.CutPrefix(name, MapPrefix)
	if !ok {
		return "", 0, 0, fmt.Errorf("missing %q prefix", MapPrefix)
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, 0, fmt.Errorf("want %s<kind>_<dir>_<type>", MapPrefix)
	}
	if dir, err = ufp.ParseDirection(parts[1]); err != nil {
		return "", 0, 0, err
	}
	n, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return "", 0, 0, fmt.Errorf("type: %w", err)
	}
	return parts[0], dir, uint16(n), nil
}

// Pins yields every table map pinned in the directory. Entries without
// the map prefix are ignored; prefixed entries that do not parse are
// reported to the malformed callback and skipped. A missing directory
// yields nothing.
func (s *Scanner) Pins(ctx context.Context) iter.Seq2[MapPin, error] {
	return func(yield func(MapPin, error) bool) {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(MapPin{}, fmt.Errorf("read %s: %w", s.dir, err))
			}
			return
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				yield(MapPin{}, ctx.Err())
				return
			}
			if e.IsDir() || !strings.HasPrefix(e.Name(), MapPrefix) {
				continue
			}
			path := filepath.Join(s.dir, e.Name())
			kind, dir, typ, err := ParseMapName(e.Name())
			if err != nil {
				s.reportMalformed(path, err)
				continue
			}
			if !yield(MapPin{Path: path, Name: e.Name(), Kind: kind, Direction: dir, Type: typ}, nil) {
				return
			}
		}
	}
}

// MapPins returns the sorted names of the pinned table maps.
func (s *Scanner) MapPins() ([]string, error) {
	var names []string
	for pin, err := range s.Pins(context.Background()) {
		if err != nil {
			return nil, err
		}
		names = append(names, pin.Name)
	}
	sort.Strings(names)
	return names, nil
}

// RemoveAll unpins every table map in the directory, for recovery after
// a session that did not close cleanly.
func (s *Scanner) RemoveAll(ctx context.Context) (int, error) {
	n := 0
	for pin, err := range s.Pins(ctx) {
		if err != nil {
			return n, err
		}
		if err := os.Remove(pin.Path); err != nil && !os.IsNotExist(err) {
			return n, fmt.Errorf("unpin %s: %w", pin.Path, err)
		}
		n++
	}
	return n, nil
}
