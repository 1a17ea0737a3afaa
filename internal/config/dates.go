package config

import (
	"time"

	"github.com/pkg/errors"
)

// ParseStartDate parses a "YYYY-MM-DD" startdate, rejecting years before
// 1900 and dates in the future, per Base.py:getstartdate.
func ParseStartDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid startdate %q", s)
	}
	if t.Year() < 1900 {
		return time.Time{}, errors.Errorf("startdate %q led to year %d", s, t.Year())
	}
	if t.After(time.Now()) {
		return time.Time{}, errors.Errorf("startdate %q is in the future", s)
	}
	return t, nil
}

// MaxAgeCutoff converts a maxage (in days) into the earliest INTERNALDATE
// that should still be considered, per Base.py:getmaxage.
func MaxAgeCutoff(days int, now time.Time) (time.Time, error) {
	if days < 1 {
		return time.Time{}, errors.Errorf("invalid maxage value %d", days)
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour), nil
}

// EffectiveMinDate resolves a mailbox's MinDate filter: StartDate, if set,
// is an absolute floor; MaxAge is relative to now. When both are set, the
// later (more restrictive) cutoff wins.
func (m Mailbox) EffectiveMinDate(now time.Time) (time.Time, error) {
	var candidates []time.Time

	if m.StartDate != "" {
		t, err := ParseStartDate(m.StartDate)
		if err != nil {
			return time.Time{}, err
		}
		candidates = append(candidates, t)
	}
	if m.MaxAge > 0 {
		t, err := MaxAgeCutoff(m.MaxAge, now)
		if err != nil {
			return time.Time{}, err
		}
		candidates = append(candidates, t)
	}

	if len(candidates) == 0 {
		return time.Time{}, nil
	}
	latest := candidates[0]
	for _, c := range candidates[1:] {
		if c.After(latest) {
			latest = c
		}
	}
	return latest, nil
}
