package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// DurationSpec is a compact duration such as "30d", "2w", "3m" or "1y".
// Months count as 30 days and years as 365 days.
type DurationSpec string

func (d DurationSpec) IsZero() bool { return strings.TrimSpace(string(d)) == "" }

func (d DurationSpec) Parse() (time.Duration, error) {
	raw := strings.ToLower(strings.TrimSpace(string(d)))
	if len(raw) < 2 {
		return 0, fmt.Errorf("invalid duration %q", string(d))
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q", string(d))
	}
	unit := time.Duration(n)
	switch raw[len(raw)-1] {
	case 'h':
		return unit * time.Hour, nil
	case 'd':
		return unit * day, nil
	case 'w':
		return unit * 7 * day, nil
	case 'm':
		return unit * 30 * day, nil
	case 'y':
		return unit * 365 * day, nil
	default:
		return 0, fmt.Errorf("duration %q must end with h, d, w, m or y", string(d))
	}
}

// MustParse is for durations already validated at policy load time.
func (d DurationSpec) MustParse() time.Duration {
	v, err := d.Parse()
	if err != nil {
		return 0
	}
	return v
}
