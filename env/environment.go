// Package env provides an ordered-output, concurrency-safe map of
// environment variables.
package env

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v2"
)

// Environment is a map of environment variables. batchd only targets unix
// hosts, so keys are case-sensitive.
type Environment struct {
	underlying *xsync.MapOf[string, string]
}

func New() *Environment {
	return &Environment{underlying: xsync.NewMapOf[string]()}
}

func NewWithLength(length int) *Environment {
	return &Environment{underlying: xsync.NewMapOfPresized[string](length)}
}

func FromMap(m map[string]string) *Environment {
	e := NewWithLength(len(m))
	for k, v := range m {
		e.Set(k, v)
	}
	return e
}

// FromSlice creates a new environment from a string slice of KEY=VALUE.
func FromSlice(s []string) *Environment {
	e := NewWithLength(len(s))
	for _, l := range s {
		if k, v, ok := Split(l); ok {
			e.Set(k, v)
		}
	}
	return e
}

// Split splits an environment variable (in the form "name=value") into the
// name and value substrings. If there is no '=', or the first '=' is at the
// start, it returns `"", "", false`.
func Split(l string) (name, value string, ok bool) {
	i := strings.IndexRune(l, '=')
	if i <= 0 {
		return "", "", false
	}
	return l[:i], l[i+1:], true
}

// Get returns a key from the environment.
func (e *Environment) Get(key string) (string, bool) {
	return e.underlying.Load(key)
}

// GetBool gets a boolean value from the environment, with a default for
// empty. Supports true|false, on|off, 1|0.
func (e *Environment) GetBool(key string, defaultValue bool) bool {
	v, _ := e.Get(key)

	switch strings.ToLower(v) {
	case "on", "1", "enabled", "true":
		return true
	case "off", "0", "disabled", "false":
		return false
	default:
		return defaultValue
	}
}

// Exists reports whether the key exists in the environment.
func (e *Environment) Exists(key string) bool {
	_, ok := e.underlying.Load(key)
	return ok
}

// Set sets a key in the environment.
func (e *Environment) Set(key, value string) string {
	e.underlying.Store(key, value)
	return value
}

// Remove a key from the Environment and return its value.
func (e *Environment) Remove(key string) string {
	value, ok := e.Get(key)
	if ok {
		e.underlying.Delete(key)
	}
	return value
}

// Length returns the number of variables in the environment.
func (e *Environment) Length() int {
	return e.underlying.Size()
}

// Merge merges another env into this one.
func (e *Environment) Merge(other *Environment) {
	if other == nil {
		return
	}
	other.underlying.Range(func(k, v string) bool {
		e.Set(k, v)
		return true
	})
}

// Copy returns a copy of the env.
func (e *Environment) Copy() *Environment {
	c := New()
	if e == nil {
		return c
	}
	e.underlying.Range(func(k, v string) bool {
		c.Set(k, v)
		return true
	})
	return c
}

// Dump returns the environment as a plain map.
func (e *Environment) Dump() map[string]string {
	d := make(map[string]string, e.underlying.Size())
	e.underlying.Range(func(k, v string) bool {
		d[k] = v
		return true
	})
	return d
}

// ToSlice returns a sorted KEY=VALUE slice representation of the environment.
func (e *Environment) ToSlice() []string {
	s := []string{}
	e.underlying.Range(func(k, v string) bool {
		s = append(s, k+"="+v)
		return true
	})

	// Ensure they are in a consistent order (helpful for tests)
	sort.Strings(s)

	return s
}

func (e *Environment) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Dump())
}

func (e *Environment) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.underlying = xsync.NewMapOfPresized[string](len(raw))
	for k, v := range raw {
		e.Set(k, v)
	}
	return nil
}
