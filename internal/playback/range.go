package playback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

func (r Range) ContentLength() int64 {
	return r.End - r.Start + 1
}

func (r Range) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// ParseRange reads a single-range Range header against a resource of size
// bytes. An empty header yields a nil range. Only the first range of a
// multi-range request is honoured.
func ParseRange(header string, size int64) (*Range, error) {
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, ErrInvalidRange
	}
	spec, _, _ = strings.Cut(spec, ",")

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	var r Range
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrInvalidRange
		}
		r = Range{Start: max(size-n, 0), End: size - 1}
	} else {
		start, err := strconv.ParseInt(first, 10, 64)
		if err != nil || start < 0 {
			return nil, ErrInvalidRange
		}
		r = Range{Start: start, End: size - 1}
		if last != "" {
			if r.End, err = strconv.ParseInt(last, 10, 64); err != nil {
				return nil, ErrInvalidRange
			}
		}
	}

	if r.Start > r.End || r.Start >= size {
		return nil, ErrUnsatisfiable
	}
	r.End = min(r.End, size-1)
	return &r, nil
}
