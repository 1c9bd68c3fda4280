package network

import (
	"fmt"
	"strings"
)

// Policy trades freshness against offline availability.
type Policy int

const (
	// AlwaysNetwork never answers from the disk cache.
	AlwaysNetwork Policy = iota
	// PreferNetwork falls back to the disk copy when the download fails for good.
	PreferNetwork
	// PreferCache answers from disk when possible and downloads otherwise.
	PreferCache
	// AlwaysCache never downloads for display.
	AlwaysCache
)

var policyNames = map[Policy]string{
	AlwaysNetwork: "always-network",
	PreferNetwork: "prefer-network",
	PreferCache:   "prefer-cache",
	AlwaysCache:   "always-cache",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range policyNames {
		if s == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown cache policy: %q (supported: always-network, prefer-network, prefer-cache, always-cache)", s)
}

func (p Policy) readsCacheFirst() bool {
	return p == PreferCache || p == AlwaysCache
}
