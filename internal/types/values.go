package types

import (
	"slices"

	"github.com/onsip/sipcore/internal/util"
)

// Values is a multimap of parameters keyed by case-insensitive names.
// URI and header parameters are stored in it. Keys are folded to lower
// case on every access, values keep their case.
type Values map[string][]string

func (vals Values) lookup(key string) []string { return vals[util.LCase(key)] }

// Get returns all values stored under the key, nil when absent.
func (vals Values) Get(key string) []string { return vals.lookup(key) }

// First returns the first value stored under the key.
func (vals Values) First(key string) (string, bool) {
	if v := vals.lookup(key); len(v) > 0 {
		return v[0], true
	}
	return "", false
}

// Last returns the last value stored under the key.
func (vals Values) Last(key string) (string, bool) {
	if v := vals.lookup(key); len(v) > 0 {
		return v[len(v)-1], true
	}
	return "", false
}

// Set replaces everything stored under the key with a single value.
func (vals Values) Set(key, value string) Values {
	vals[util.LCase(key)] = []string{value}
	return vals
}

func (vals Values) Append(key, value string) Values {
	key = util.LCase(key)
	vals[key] = append(vals[key], value)
	return vals
}

func (vals Values) Prepend(key, value string) Values {
	key = util.LCase(key)
	vals[key] = append([]string{value}, vals[key]...)
	return vals
}

func (vals Values) Del(key string) Values {
	delete(vals, util.LCase(key))
	return vals
}

func (vals Values) Has(key string) bool {
	_, ok := vals[util.LCase(key)]
	return ok
}

func (vals Values) Clear() Values {
	clear(vals)
	return vals
}

// Clone deep-copies the map. An empty map clones to nil.
func (vals Values) Clone() Values {
	if len(vals) == 0 {
		return nil
	}
	vals2 := make(Values, len(vals))
	for k, vs := range vals {
		vals2[k] = slices.Clone(vs)
	}
	return vals2
}
