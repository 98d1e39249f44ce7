// Package slicegrammar parses the wire slice grammar spec.md §6 defines: a
// comma-separated list of per-dimension items, each either a bare integer
// index or a "lo:hi[:step]" half-open range (both bounds optional, step
// absent or 1).
package slicegrammar

import (
	"strconv"
	"strings"

	"caterva2/internal/apierr"
	"caterva2/internal/b2"
)

// Parse parses a wire slice string (e.g. "1", ":10", "0:10,5:8") into a list
// of b2.Range, one per present dimension. Missing trailing dimensions are
// left for the caller to fill via b2.NormalizeRanges. An integer index i
// becomes Range{Lo: i, Hi: i + 1, IsIndex: true}. An explicit step is
// accepted only when it is absent or exactly 1 (e.g. "10:20:1" parses
// identically to "10:20"); any other step (e.g. "::2") and negative indices
// are rejected with apierr.CodeSliceUnsupported, per spec.md §7's
// SliceUnsupported error kind.
func Parse(spec string) ([]b2.Range, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	ranges := make([]b2.Range, len(parts))
	for i, part := range parts {
		r, err := parseDim(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		ranges[i] = r
	}
	return ranges, nil
}

func parseDim(part string) (b2.Range, error) {
	if !strings.Contains(part, ":") {
		idx, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return b2.Range{}, apierr.New(apierr.CodeSliceUnsupported, "invalid slice index: "+part)
		}
		if idx < 0 {
			return b2.Range{}, apierr.New(apierr.CodeSliceUnsupported, "negative indices are not supported: "+part)
		}
		return b2.Range{Lo: idx, Hi: idx + 1, IsIndex: true}, nil
	}

	fields := strings.Split(part, ":")
	if len(fields) > 3 {
		return b2.Range{}, apierr.New(apierr.CodeSliceUnsupported, "too many ':'-separated fields: "+part)
	}
	if len(fields) == 3 && fields[2] != "" {
		step, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || step != 1 {
			return b2.Range{}, apierr.New(apierr.CodeSliceUnsupported, "step other than 1 is not supported: "+part)
		}
	}

	var lo, hi int64
	var hiSet bool
	if fields[0] != "" {
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil || v < 0 {
			return b2.Range{}, apierr.New(apierr.CodeSliceUnsupported, "invalid slice lower bound: "+part)
		}
		lo = v
	}
	if len(fields) >= 2 && fields[1] != "" {
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || v < 0 {
			return b2.Range{}, apierr.New(apierr.CodeSliceUnsupported, "invalid slice upper bound: "+part)
		}
		hi = v
		hiSet = true
	}
	if !hiSet {
		hi = 1<<62 - 1 // caller clamps to shape[d]
	}
	if hiSet && hi < lo {
		return b2.Range{}, apierr.New(apierr.CodeSliceUnsupported, "inverted slice range: "+part)
	}
	return b2.Range{Lo: lo, Hi: hi}, nil
}

// String renders ranges back to wire form, used by the subscriber to log
// and to build download filenames with a "[slice]" suffix.
func String(ranges []b2.Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		if r.IsIndex {
			parts[i] = strconv.FormatInt(r.Lo, 10)
			continue
		}
		parts[i] = strconv.FormatInt(r.Lo, 10) + ":" + strconv.FormatInt(r.Hi, 10)
	}
	return strings.Join(parts, ",")
}
