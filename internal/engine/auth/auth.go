package auth

import (
	"fmt"
	"strings"
)

// CompareMode selects how a method's required roles are matched against an
// actor's roles.
type CompareMode int

const (
	// All requires every required role. It is the zero value.
	All CompareMode = iota
	// Any requires at least one of the required roles.
	Any
)

func (m CompareMode) String() string {
	switch m {
	case Any:
		return "any"
	default:
		return "all"
	}
}

// ParseCompareMode accepts "all"/"every" and "any"/"some".
func ParseCompareMode(s string) (CompareMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "every":
		return All, nil
	case "any", "some":
		return Any, nil
	default:
		return All, fmt.Errorf("unknown roles compare mode %q", s)
	}
}

// Subset reports whether every requested role is in universe.
func Subset(requested, universe []string) bool {
	for _, r := range requested {
		if !contains(universe, r) {
			return false
		}
	}
	return true
}

// Authorized checks actor roles against required roles. An empty required set
// always passes.
func Authorized(required, actor []string, mode CompareMode) bool {
	if len(required) == 0 {
		return true
	}
	if mode == Any {
		for _, r := range actor {
			if contains(required, r) {
				return true
			}
		}
		return false
	}
	return Subset(required, actor)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
