/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Map binds typed Go values to the directives of a single configuration
// block, with optional fallback to a shared "globals" block for
// inheritable directives (the pattern used for e.g. tls{} blocks that
// apply to every endpoint unless overridden locally).
type Map struct {
	globals Node
	block   Node

	directives map[string]*directive
	order      []string
}

type directive struct {
	inheritable bool
	required    bool
	apply       func(Node) error
	applyDef    func() error
}

// NewMap creates a Map over block, falling back to globals for any
// directive registered as inheritable.
func NewMap(globals *Node, block Node) *Map {
	m := &Map{block: block, directives: map[string]*directive{}}
	if globals != nil {
		m.globals = *globals
	}
	return m
}

func (m *Map) register(name string, inheritable, required bool, d *directive) {
	m.directives[name] = d
	m.order = append(m.order, name)
}

// Bool registers a boolean flag directive; bare "name" with no argument
// means true, "name false"/"name no"/"name off" means false.
func (m *Map) Bool(name string, inheritable, required bool, store *bool) {
	*store = false
	m.register(name, inheritable, required, &directive{
		inheritable: inheritable,
		required:    required,
		apply: func(n Node) error {
			if len(n.Args) == 0 {
				*store = true
				return nil
			}
			b, err := parseBool(n.Args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*store = b
			return nil
		},
	})
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value %q", s)
}

// String registers a single-argument string directive.
func (m *Map) String(name string, inheritable, required bool, def string, store *string) {
	*store = def
	m.register(name, inheritable, required, &directive{
		inheritable: inheritable,
		required:    required,
		apply: func(n Node) error {
			if len(n.Args) != 1 {
				return fmt.Errorf("%s: expected exactly one argument", name)
			}
			*store = n.Args[0]
			return nil
		},
	})
}

// StringList registers a directive taking one or more arguments.
func (m *Map) StringList(name string, inheritable, required bool, def []string, store *[]string) {
	*store = def
	m.register(name, inheritable, required, &directive{
		inheritable: inheritable,
		required:    required,
		apply: func(n Node) error {
			*store = append([]string{}, n.Args...)
			return nil
		},
	})
}

// Duration registers a directive whose single argument is a Go duration
// string ("30s", "5m").
func (m *Map) Duration(name string, inheritable, required bool, def time.Duration, store *time.Duration) {
	*store = def
	m.register(name, inheritable, required, &directive{
		inheritable: inheritable,
		required:    required,
		apply: func(n Node) error {
			if len(n.Args) != 1 {
				return fmt.Errorf("%s: expected exactly one argument", name)
			}
			d, err := time.ParseDuration(n.Args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*store = d
			return nil
		},
	})
}

// DataSize registers a directive whose single argument is a byte count,
// optionally suffixed with k/M/G (base 1024).
func (m *Map) DataSize(name string, inheritable, required bool, def int64, store *int64) {
	*store = def
	m.register(name, inheritable, required, &directive{
		inheritable: inheritable,
		required:    required,
		apply: func(n Node) error {
			if len(n.Args) != 1 {
				return fmt.Errorf("%s: expected exactly one argument", name)
			}
			v, err := parseDataSize(n.Args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*store = v
			return nil
		},
	})
}

func parseDataSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// Custom registers a directive with backend-defined parsing. defaultFunc
// supplies the value when the directive is absent (and not required);
// parseFunc converts the matched Node into the stored value. store must be
// a non-nil pointer to the value's type.
func (m *Map) Custom(name string, inheritable, required bool, defaultFunc func() (interface{}, error), parseFunc func(*Map, Node) (interface{}, error), store interface{}) {
	set := func(v interface{}) error {
		ptr := reflect.ValueOf(store)
		if ptr.Kind() != reflect.Ptr {
			return fmt.Errorf("%s: store is not a pointer", name)
		}
		val := reflect.ValueOf(v)
		if !val.IsValid() {
			return nil
		}
		ptr.Elem().Set(val)
		return nil
	}
	m.register(name, inheritable, required, &directive{
		inheritable: inheritable,
		required:    required,
		apply: func(n Node) error {
			v, err := parseFunc(m, n)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return set(v)
		},
		applyDef: func() error {
			if defaultFunc == nil {
				return nil
			}
			v, err := defaultFunc()
			if err != nil {
				return err
			}
			return set(v)
		},
	})
}

// Callback registers a directive handled entirely by cb, with no value
// stored directly by Map (used for directives like "auth" that configure
// a sub-object by side effect).
func (m *Map) Callback(name string, cb func(*Map, Node) error) {
	m.register(name, false, false, &directive{
		apply: func(n Node) error { return cb(m, n) },
	})
}

// EnumMapped registers a string directive validated against a lookup
// table, storing the mapped value rather than the raw string.
func EnumMapped[T any](m *Map, name string, inheritable, required bool, table map[string]T, def T, store *T) {
	*store = def
	m.register(name, inheritable, required, &directive{
		inheritable: inheritable,
		required:    required,
		apply: func(n Node) error {
			if len(n.Args) != 1 {
				return fmt.Errorf("%s: expected exactly one argument", name)
			}
			v, ok := table[n.Args[0]]
			if !ok {
				return fmt.Errorf("%s: unknown value %q", name, n.Args[0])
			}
			*store = v
			return nil
		},
	})
}

// Process matches every child of the bound block against the registered
// directives (falling back to globals for inheritable ones), applies
// defaults for anything absent, and reports the names of any child
// directives that matched nothing registered (the caller decides whether
// unknown directives are an error). It is not itself an error for a
// directive to be unmatched: callers needing strict validation should
// check the returned slice.
func (m *Map) Process() ([]string, error) {
	seen := map[string]bool{}
	var unknown []string

	for _, child := range m.block.Children {
		d, ok := m.directives[child.Name]
		if !ok {
			unknown = append(unknown, child.Name)
			continue
		}
		if err := d.apply(child); err != nil {
			return unknown, err
		}
		seen[child.Name] = true
	}

	for _, name := range m.order {
		if seen[name] {
			continue
		}
		d := m.directives[name]
		if d.inheritable {
			for _, child := range m.globals.Children {
				if child.Name == name {
					if err := d.apply(child); err != nil {
						return unknown, err
					}
					seen[name] = true
					break
				}
			}
		}
		if seen[name] {
			continue
		}
		if d.required {
			return unknown, fmt.Errorf("missing required directive %q", name)
		}
		if d.applyDef != nil {
			if err := d.applyDef(); err != nil {
				return unknown, err
			}
		}
	}

	return unknown, nil
}
