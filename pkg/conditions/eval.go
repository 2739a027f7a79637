package conditions

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"accessgov/pkg/models"
)

// Result of evaluating a resolved role against a request.
type Result struct {
	Matched               bool
	MatchedBlock          int
	RequiresMFA           bool
	RequiresJustification bool
	// Mismatches holds the first failing field of every block, in block order.
	Mismatches []string
}

var defaultDays = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}

// Evaluate returns the first condition block whose populated fields all match.
// A role without blocks matches unconditionally with MatchedBlock -1.
func Evaluate(role models.ResolvedRole, attrs models.RequestAttributes, at time.Time) Result {
	if len(role.Conditions) == 0 {
		return Result{Matched: true, MatchedBlock: -1}
	}
	res := Result{MatchedBlock: -1}
	for i, c := range role.Conditions {
		field := mismatch(c, attrs, at)
		if field == "" {
			res.Matched = true
			res.MatchedBlock = i
			res.RequiresMFA = c.MFARequired
			res.RequiresJustification = c.JustificationRequired
			return res
		}
		res.Mismatches = append(res.Mismatches, fmt.Sprintf("block %d: %s", i, field))
	}
	return res
}

// mismatch returns the name of the first field that fails, or "".
func mismatch(c models.Condition, a models.RequestAttributes, at time.Time) string {
	labels := []struct {
		name, want, got string
	}{
		{"department", c.Department, a.Department},
		{"data_sensitivity", c.DataSensitivity, a.DataSensitivity},
		{"location", c.Location, a.Location},
		{"job_level", c.JobLevel, a.JobLevel},
		{"contract_type", c.ContractType, a.ContractType},
		{"security_clearance", c.SecurityClearance, a.SecurityClearance},
	}
	for _, l := range labels {
		if !LabelMatches(l.want, l.got) {
			return l.name
		}
	}
	if c.TimeRestrictions != nil && !inWindow(*c.TimeRestrictions, at) {
		return "time_restrictions"
	}
	if len(c.IPRestrictions) > 0 && !ipAllowed(c.IPRestrictions, a.SourceIP) {
		return "ip_restrictions"
	}
	return ""
}

// LabelMatches compares ordinal labels by equality, never by rank.
func LabelMatches(want, got string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return true
	}
	return strings.EqualFold(want, strings.TrimSpace(got))
}

func inWindow(tr models.TimeRestriction, at time.Time) bool {
	loc, err := location(tr.Timezone)
	if err != nil {
		return false
	}
	start, err := clockMinutes(tr.StartTime)
	if err != nil {
		return false
	}
	end, err := clockMinutes(tr.EndTime)
	if err != nil {
		return false
	}
	local := at.In(loc)
	if !dayAllowed(tr.DaysOfWeek, local.Weekday()) {
		return false
	}
	now := local.Hour()*60 + local.Minute()
	switch {
	case start < end:
		return now >= start && now < end
	case start > end:
		return now >= start || now < end
	default:
		return true
	}
}

func dayAllowed(days []string, wd time.Weekday) bool {
	if len(days) == 0 {
		days = defaultDays
	}
	name := strings.ToLower(wd.String())
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == name || (len(d) == 3 && strings.HasPrefix(name, d)) {
			return true
		}
	}
	return false
}

func ipAllowed(allow []string, source string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(source))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, raw := range allow {
		prefix, err := parsePrefix(raw)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func clockMinutes(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("time %q must be HH:MM", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

var locations sync.Map

func location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "UTC"
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locations.Store(name, loc)
	return loc, nil
}

// Validate checks the parts of a condition that can be malformed.
func Validate(c models.Condition) error {
	if tr := c.TimeRestrictions; tr != nil {
		if _, err := clockMinutes(tr.StartTime); err != nil {
			return fmt.Errorf("start_time: %w", err)
		}
		if _, err := clockMinutes(tr.EndTime); err != nil {
			return fmt.Errorf("end_time: %w", err)
		}
		if _, err := location(tr.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", tr.Timezone, err)
		}
		for _, d := range tr.DaysOfWeek {
			if !validDay(d) {
				return fmt.Errorf("days_of_week: unknown day %q", d)
			}
		}
	}
	for _, raw := range c.IPRestrictions {
		if _, err := parsePrefix(raw); err != nil {
			return fmt.Errorf("ip_restrictions: %q: %w", raw, err)
		}
	}
	return nil
}

func validDay(d string) bool {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if dayAllowed([]string{d}, wd) {
			return true
		}
	}
	return false
}
