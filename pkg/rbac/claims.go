// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rbac

import (
	"fmt"
	"sort"
	"strconv"
)

// Claims maps a claim name to its string values. A single-valued claim has
// one element. Claims are built once per request and not modified afterwards.
type Claims map[string][]string

// NewClaims flattens decoded token claims. Strings, numbers and booleans
// become one value; arrays contribute each scalar element. Nested objects are
// skipped.
func NewClaims(raw map[string]any) Claims {
	claims := make(Claims, len(raw))
	for key, v := range raw {
		var values []string
		switch val := v.(type) {
		case []any:
			for _, item := range val {
				if s, ok := scalarString(item); ok {
					values = append(values, s)
				}
			}
		case []string:
			values = append(values, val...)
		default:
			if s, ok := scalarString(val); ok {
				values = []string{s}
			}
		}
		if len(values) > 0 {
			claims[key] = values
		}
	}
	return claims
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case fmt.Stringer:
		return val.String(), true
	default:
		return "", false
	}
}

// Get returns the first value of key.
func (c Claims) Get(key string) (string, bool) {
	values, ok := c[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Keys returns the claim names, sorted.
func (c Claims) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
