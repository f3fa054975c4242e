package config

import (
	"strconv"
	"strings"
)

// memory units accepted by ParseSize, largest suffix first so "GB" is not read as "B"
var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize parses a positive byte size with an optional unit suffix (B, KB, MB, GB, TB),
// e.g. "4096", "512KB", "128GB". Units are binary (1KB = 1024B).
func ParseSize(s string) (uint64, error) {
	str := strings.ToUpper(strings.TrimSpace(s))
	factor := uint64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(str, u.suffix) {
			str = strings.TrimSpace(strings.TrimSuffix(str, u.suffix))
			factor = u.factor
			break
		}
	}

	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, validationErrorf("invalid size %q", s)
	}
	if n == 0 {
		return 0, validationErrorf("size %q must be positive", s)
	}
	if n > ^uint64(0)/factor {
		return 0, validationErrorf("size %q overflows", s)
	}
	return n * factor, nil
}

// ParsePoolSpec parses "name=size[@resource]" into a pool name and a validated Pool.
func ParsePoolSpec(spec string) (string, Pool, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 {
		return "", Pool{}, validationErrorf("invalid pool format %q (expected name=size[@resource])", spec)
	}
	name := strings.TrimSpace(parts[0])

	sizeStr, resource, hasResource := strings.Cut(parts[1], "@")
	size, err := ParseSize(sizeStr)
	if err != nil {
		return "", Pool{}, err
	}
	resource = strings.TrimSpace(resource)
	if hasResource && resource == "" {
		return "", Pool{}, validationErrorf("invalid pool format %q: empty resource after '@'", spec)
	}

	pool, err := NewPool(size, resource)
	if err != nil {
		return "", Pool{}, err
	}
	if name == "" {
		return "", Pool{}, validationErrorf("invalid pool format %q: empty name", spec)
	}
	return name, pool, nil
}
