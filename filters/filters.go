// Package filters ships ready-made field filters and a name-indexed library
// so catalogs and the CLI can refer to them by name.
package filters

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/asaidimu/go-sqlm/core"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownFilter is returned by Lookup for names missing from a Library.
var ErrUnknownFilter = errors.New("sqlm: unknown filter")

// Library maps filter names to filters.
type Library map[string]core.Filter

// Builtins returns a fresh library holding every filter in this package.
func Builtins() Library {
	return Library{
		"bcrypt": Bcrypt(bcrypt.DefaultCost),
		"md5":    MD5(),
		"sha256": SHA256(),
		"trim":   Trim(),
		"lower":  Lower(),
		"upper":  Upper(),
	}
}

// Lookup returns the filter registered under name.
func (l Library) Lookup(name string) (core.Filter, error) {
	fn, ok := l[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownFilter, name, strings.Join(l.Names(), ", "))
	}
	return fn, nil
}

// Names returns the filter names, sorted.
func (l Library) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bcrypt hashes string and byte values with the given cost. Hashing errors
// are returned so the plain value is never bound in its place.
func Bcrypt(cost int) core.Filter {
	return func(value any) (any, error) {
		raw, ok := asBytes(value)
		if !ok {
			return nil, nil
		}
		hash, err := bcrypt.GenerateFromPassword(raw, cost)
		if err != nil {
			return nil, fmt.Errorf("bcrypt: %w", err)
		}
		return string(hash), nil
	}
}

// MD5 replaces string and byte values with their hex md5 digest.
func MD5() core.Filter {
	return core.Transform(func(value any) any {
		raw, ok := asBytes(value)
		if !ok {
			return nil
		}
		sum := md5.Sum(raw)
		return hex.EncodeToString(sum[:])
	})
}

// SHA256 replaces string and byte values with their hex sha256 digest.
func SHA256() core.Filter {
	return core.Transform(func(value any) any {
		raw, ok := asBytes(value)
		if !ok {
			return nil
		}
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	})
}

// Trim strips surrounding whitespace from strings. A value that trims to
// nothing is left as it was.
func Trim() core.Filter {
	return stringTransform(strings.TrimSpace)
}

// Lower lowercases strings.
func Lower() core.Filter {
	return stringTransform(strings.ToLower)
}

// Upper uppercases strings.
func Upper() core.Filter {
	return stringTransform(strings.ToUpper)
}

func stringTransform(fn func(string) string) core.Filter {
	return core.Transform(func(value any) any {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		return fn(s)
	})
}

func asBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}
