// Package tile_url formats and parses tile URL templates using the
// %zoom, %x and %y placeholders.
package tile_url

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrInvalidTemplate = errors.New("invalid tile url template")
	ErrNoMatch         = errors.New("url does not match template")
)

// Template is a tile URL with %zoom, %x and %y placeholders.
type Template string

func (t Template) Validate() error {
	for _, p := range []string{"%zoom", "%x", "%y"} {
		if !strings.Contains(string(t), p) {
			return fmt.Errorf("%w: placeholder %v not found", ErrInvalidTemplate, p)
		}
	}
	return nil
}

func (t Template) Format(zoom, x, y int) string {
	result := string(t)
	result = strings.ReplaceAll(result, "%zoom", strconv.Itoa(zoom))
	result = strings.ReplaceAll(result, "%x", strconv.Itoa(x))
	result = strings.ReplaceAll(result, "%y", strconv.Itoa(y))
	return result
}

// Matcher recovers tile coordinates from URLs built by a Template.
type Matcher struct {
	re *regexp.Regexp
}

func (t Template) Matcher() (*Matcher, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	pattern := regexp.QuoteMeta(string(t))
	pattern = strings.Replace(pattern, "%zoom", `(?P<z>\d+)`, 1)
	pattern = strings.Replace(pattern, "%x", `(?P<x>\d+)`, 1)
	pattern = strings.Replace(pattern, "%y", `(?P<y>\d+)`, 1)

	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	return &Matcher{re: re}, nil
}

func (m *Matcher) Parse(url string) (zoom, x, y int, err error) {
	match := m.re.FindStringSubmatch(url)
	if match == nil {
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrNoMatch, url)
	}

	values := make(map[string]int, 3)
	for i, name := range m.re.SubexpNames() {
		if name == "" {
			continue
		}
		v, err := strconv.Atoi(match[i])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %w", ErrNoMatch, err)
		}
		values[name] = v
	}
	return values["z"], values["x"], values["y"], nil
}

// Server is a well-known public tile source.
type Server struct {
	Name     string
	Template Template
	MaxZoom  int
}

var (
	OpenStreetMap = Server{"openstreetmap", "https://tile.openstreetmap.org/%zoom/%x/%y.png", 19}
	OpenTopoMap   = Server{"opentopomap", "https://tile.opentopomap.org/%zoom/%x/%y.png", 17}
	OpenCycleMap  = Server{"opencyclemap", "https://tile.thunderforest.com/cycle/%zoom/%x/%y.png", 20}
	StamenToner   = Server{"stamen-toner", "https://tile.stamen.com/toner/%zoom/%x/%y.png", 20}
)

var servers = []Server{OpenStreetMap, OpenTopoMap, OpenCycleMap, StamenToner}

// Lookup resolves either a server name or a raw template.
func Lookup(nameOrTemplate string) (Server, error) {
	for _, s := range servers {
		if s.Name == nameOrTemplate {
			return s, nil
		}
	}

	t := Template(nameOrTemplate)
	if err := t.Validate(); err != nil {
		return Server{}, err
	}
	return Server{Name: "custom", Template: t, MaxZoom: 20}, nil
}
