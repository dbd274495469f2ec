package blockparser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrDuplicatePointer is returned when an ARG pointer repeats within one call.
var ErrDuplicatePointer = errors.New("duplicate argument pointer")

// ErrIndexGap is returned when an array segment's index skips ahead of the
// next expected index (spec.md §4.1: "Array index gaps are an error").
var ErrIndexGap = errors.New("array index gap")

// getSet abstracts over indexing into a map slot vs a slice slot so the
// recursive assign walk below can treat both uniformly.
type getSet struct {
	get func() any
	set func(any)
}

// Assign walks pointer into root (a map[string]any), creating nested
// maps/arrays as needed, and stores value at the leaf.
func Assign(root map[string]any, pointer string, value any) error {
	segs := strings.Split(pointer, "/")
	return assignSegs(getSet{
		get: func() any { return root },
		set: func(any) {}, // root container itself is never replaced
	}, segs, value)
}

func assignSegs(slot getSet, segs []string, value any) error {
	seg := segs[0]
	last := len(segs) == 1

	cur := slot.get()
	switch c := cur.(type) {
	case map[string]any:
		if idx, isIdx := parseIndex(seg); isIdx {
			return fmt.Errorf("pointer segment %q: expected object key, found array index in object context", idx2str(idx))
		}
		if last {
			if _, exists := c[seg]; exists {
				return ErrDuplicatePointer
			}
			c[seg] = value
			return nil
		}
		child, exists := c[seg]
		if !exists {
			child = newContainerFor(segs[1])
			c[seg] = child
		}
		return assignSegs(getSet{
			get: func() any { return c[seg] },
			set: func(v any) { c[seg] = v },
		}, segs[1:], value)

	case []any:
		idx, isIdx := parseIndex(seg)
		if !isIdx {
			return fmt.Errorf("pointer segment %q: expected array index in array context", seg)
		}
		if idx > len(c) {
			return ErrIndexGap
		}
		if idx == len(c) {
			c = append(c, newContainerFor(""))
			slot.set(c)
		}
		if last {
			if c[idx] != nil {
				if _, isPlaceholder := c[idx].(placeholder); !isPlaceholder {
					return ErrDuplicatePointer
				}
			}
			c[idx] = value
			slot.set(c)
			return nil
		}
		if _, isPlaceholder := c[idx].(placeholder); isPlaceholder {
			c[idx] = newContainerFor(segs[1])
			slot.set(c)
		}
		idxCopy := idx
		return assignSegs(getSet{
			get: func() any { return c[idxCopy] },
			set: func(v any) { c[idxCopy] = v },
		}, segs[1:], value)

	default:
		return fmt.Errorf("pointer segment %q: cannot descend into leaf value", seg)
	}
}

// placeholder marks an array slot created by growth that hasn't been
// assigned a leaf value yet, distinguishing it from an explicit nil.
type placeholder struct{}

func newContainerFor(nextSeg string) any {
	if _, isIdx := parseIndex(nextSeg); isIdx {
		return []any{}
	}
	if nextSeg == "" {
		return placeholder{}
	}
	return map[string]any{}
}

func parseIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

func idx2str(i int) string { return strconv.Itoa(i) }
