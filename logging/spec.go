package logging

import (
	"fmt"
	"sort"
	"strings"
)

// Spec is a base level plus per-component overrides, written as
// "<base>[,<component>=<level>]...", for example
// "info,mapper=trace,flowdb=debug".
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses s. The base level, if present, must come first. An
// empty string yields info with no overrides.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{BaseLevel: LevelInfo, Components: map[string]Level{}}
	for i, part := range strings.Split(strings.TrimSpace(s), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, lvl, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			l, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = l
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		l, err := ParseLevel(lvl)
		if err != nil {
			return spec, fmt.Errorf("component %q: %w", name, err)
		}
		spec.Components[name] = l
	}
	return spec, nil
}

// LevelFor returns the level in force for component.
func (s *Spec) LevelFor(component string) Level {
	if l, ok := s.Components[component]; ok {
		return l
	}
	return s.BaseLevel
}

// String renders s in a form ParseSpec accepts, components sorted.
func (s *Spec) String() string {
	names := make([]string, 0, len(s.Components))
	for n := range s.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := []string{s.BaseLevel.String()}
	for _, n := range names {
		parts = append(parts, n+"="+s.Components[n].String())
	}
	return strings.Join(parts, ",")
}
