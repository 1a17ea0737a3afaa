// Package uidset compacts sets of IMAP UIDs into inclusive range lists
// ("1:5,10,12:13") and parses them back, so that IMAP commands referencing
// many messages stay within server line-length limits.
package uidset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Format collapses uids into ascending, non-overlapping ranges joined by
// commas. Duplicate values are collapsed. An empty or nil input returns "".
func Format(uids []int64) string {
	if len(uids) == 0 {
		return ""
	}

	sorted := make([]int64, len(uids))
	copy(sorted, uids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var ranges []string
	start, end := sorted[0], sorted[0]
	flush := func() {
		if start == end {
			ranges = append(ranges, strconv.FormatInt(start, 10))
		} else {
			ranges = append(ranges, fmt.Sprintf("%d:%d", start, end))
		}
	}

	for _, uid := range sorted[1:] {
		switch {
		case uid == end:
			// Duplicate, ignore.
		case uid == end+1:
			end = uid
		default:
			flush()
			start, end = uid, uid
		}
	}
	flush()

	return strings.Join(ranges, ",")
}

// Parse is the exact inverse of Format. It rejects the empty string,
// descending ranges, and malformed tokens.
func Parse(s string) ([]int64, error) {
	if s == "" {
		return nil, errors.New("uidset: cannot parse empty sequence")
	}

	var uids []int64
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			return nil, errors.Errorf("uidset: empty token in %q", s)
		}
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			lo, err := strconv.ParseInt(part[:idx], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "uidset: invalid range start in %q", part)
			}
			hi, err := strconv.ParseInt(part[idx+1:], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "uidset: invalid range end in %q", part)
			}
			if hi < lo {
				return nil, errors.Errorf("uidset: descending range %q", part)
			}
			for v := lo; v <= hi; v++ {
				uids = append(uids, v)
			}
			continue
		}

		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "uidset: invalid uid %q", part)
		}
		uids = append(uids, v)
	}

	return uids, nil
}
