// Package tools resolves the user-supplied variant-calling tool list against
// the fixed registry. The resolved set is frozen at startup; every tool-gated
// stage queries it exactly once at graph-construction time.
package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Registered tool names.
const (
	Lofreq = "lofreq"
	Ivar   = "ivar"
	SnpEff = "snpeff"
)

// Registry is the fixed set of selectable tools.
var Registry = []string{Lofreq, Ivar, SnpEff}

// A Set is a frozen, resolved tool selection.
type Set struct {
	names map[string]bool
}

// Contains reports whether the named tool was selected.
func (s Set) Contains(name string) bool { return s.names[name] }

// Names returns the selected tool names, sorted.
func (s Set) Names() []string {
	names := make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s Set) String() string { return strings.Join(s.Names(), ",") }

// SelectionError reports requested tools absent from the registry. It is
// fatal before any stage executes.
type SelectionError struct {
	Unknown  []string
	Registry []string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("unknown tool(s) %s; registered tools are %s",
		strings.Join(e.Unknown, ", "), strings.Join(e.Registry, ", "))
}

// Select resolves a comma-separated tool list (possibly empty) against the
// registry. Names are trimmed and lower-cased. Any unknown name fails the
// selection, enumerating the offenders.
func Select(list string, registry []string) (Set, error) {
	known := make(map[string]bool, len(registry))
	for _, n := range registry {
		known[n] = true
	}
	set := Set{names: make(map[string]bool)}
	var unknown []string
	for _, raw := range strings.Split(list, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if !known[name] {
			unknown = append(unknown, name)
			continue
		}
		set.names[name] = true
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Set{}, &SelectionError{Unknown: unknown, Registry: registry}
	}
	return set, nil
}
