// Package orderkey allocates the string keys that order a vertex's outgoing
// edges.
//
// A key is a base-26 fraction written with the letters 'a'..'z', most
// significant digit first. Sorting keys lexicographically sorts the edges.
// A new key is always placed strictly between its neighbours, so inserting a
// sibling never rewrites the keys of the others.
//
// Example:
//
//	k1, _ := orderkey.Midpoint("", "")  // "h"
//	k2, _ := orderkey.Midpoint(k1, "")  // "i", appended after k1
//	k3, _ := orderkey.Midpoint("", k1)  // "b", inserted before k1
//	k4, _ := orderkey.Midpoint(k1, k2)  // "hh", squeezed between k1 and k2
//
// Keys grow one digit deeper each time the gap between two neighbours closes.
// Repeated insertion at the same spot therefore lengthens keys without bound;
// no rebalancing pass exists.
package orderkey

import (
	"errors"
	"fmt"
)

// End is the insert position meaning "after the last key".
const End = -1

// First is the key given to the first edge of a vertex. It sits low in the
// key space since most insertions append.
const First = "h"

const (
	minDigit = 'a'
	maxDigit = 'z'
)

var (
	// ErrInvalidKey is returned for keys containing characters outside 'a'..'z'.
	ErrInvalidKey = errors.New("orderkey: invalid key")

	// ErrOutOfOrder is returned when lower does not sort before upper.
	ErrOutOfOrder = errors.New("orderkey: lower bound not below upper bound")

	// ErrNoRoom is returned when no key exists strictly between the bounds,
	// which only happens when upper ends in 'a' directly after lower.
	ErrNoRoom = errors.New("orderkey: no key between bounds")

	// ErrPosition is returned by Allocate for positions outside [0, len(keys)].
	ErrPosition = errors.New("orderkey: position out of range")
)

// Midpoint returns a key sorting strictly between lower and upper.
// An empty lower means "before everything", an empty upper "after everything".
func Midpoint(lower, upper string) (string, error) {
	if err := Validate(lower); err != nil {
		return "", err
	}
	if err := Validate(upper); err != nil {
		return "", err
	}
	if lower == "" && upper == "" {
		return First, nil
	}
	if upper != "" && lower >= upper {
		return "", fmt.Errorf("%w: %q >= %q", ErrOutOfOrder, lower, upper)
	}

	n := max(len(lower), len(upper)) + 2
	lo := pad(lower, n, minDigit)
	hi := pad(upper, n, maxDigit)

	i := 0
	for i < n && lo[i] == hi[i] {
		i++
	}
	if i == n {
		return "", fmt.Errorf("%w: %q and %q", ErrNoRoom, lower, upper)
	}

	if hi[i] == lo[i]+1 {
		// Adjacent digits: descend one level past the run of 'z' in lower.
		i++
		for i < n && lo[i] == maxDigit {
			i++
		}
		if i == n {
			return "", fmt.Errorf("%w: %q and %q", ErrNoRoom, lower, upper)
		}
		if lo[i] == minDigit {
			lo[i] = First[0]
		} else {
			lo[i]++
		}
	} else {
		lo[i]++
	}

	key := string(lo[:i+1])
	if key <= lower || (upper != "" && key >= upper) {
		return "", fmt.Errorf("%w: %q and %q", ErrNoRoom, lower, upper)
	}
	return key, nil
}

// Allocate returns a key that places a new edge at pos within sorted keys.
// pos == End or pos == len(keys) appends.
func Allocate(keys []string, pos int) (string, error) {
	if pos == End {
		pos = len(keys)
	}
	if pos < 0 || pos > len(keys) {
		return "", fmt.Errorf("%w: %d not in [0, %d]", ErrPosition, pos, len(keys))
	}

	var lower, upper string
	if pos > 0 {
		lower = keys[pos-1]
	}
	if pos < len(keys) {
		upper = keys[pos]
	}
	return Midpoint(lower, upper)
}

// Validate reports whether key uses only the digits 'a'..'z'.
func Validate(key string) error {
	for i := 0; i < len(key); i++ {
		if key[i] < minDigit || key[i] > maxDigit {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// pad copies s into a buffer of length n, filling the tail with fill.
func pad(s string, n int, fill byte) []byte {
	buf := make([]byte, n)
	copy(buf, s)
	for i := len(s); i < n; i++ {
		buf[i] = fill
	}
	return buf
}
