// Package risk scores access requests for approvers. Scores are advisory
// and deterministic: the same request under the same policy always scores
// the same.
package risk

import (
	"fmt"
	"strings"
	"time"

	"accessgov/pkg/models"
)

const (
	LevelAdmin     = "admin"
	LevelReadWrite = "read_write"
	LevelReadOnly  = "read_only"
)

const baseScore = 50

var levelWeight = map[string]int{
	LevelAdmin:     30,
	LevelReadWrite: 15,
	LevelReadOnly:  5,
}

var resourceWeight = map[string]int{
	models.ResourceCloudSQL:     20,
	models.ResourceBigQuery:     15,
	models.ResourceLookerStudio: 10,
}

var departmentWeight = map[string]int{
	"finance": 10,
	"hr":      10,
	"it":      -5,
	"admin":   -5,
}

var writeVerbs = []string{"insert", "update", "delete", "create", "write", "edit", "export", "import"}

// AccessLevel classifies a role by its name, falling back to the verbs of
// the permissions it grants.
func AccessLevel(role string, permissions []string) string {
	name := strings.ToLower(role)
	switch {
	case strings.Contains(name, "admin"), strings.Contains(name, "owner"):
		return LevelAdmin
	case strings.Contains(name, "write"), strings.Contains(name, "editor"):
		return LevelReadWrite
	case strings.Contains(name, "read"), strings.Contains(name, "viewer"):
		return LevelReadOnly
	}
	level := LevelReadOnly
	for _, p := range permissions {
		verb := strings.ToLower(p[strings.LastIndex(p, ".")+1:])
		if verb == "*" || verb == "admin" || strings.HasPrefix(verb, "setiampolicy") {
			return LevelAdmin
		}
		for _, w := range writeVerbs {
			if strings.HasPrefix(verb, w) {
				level = LevelReadWrite
			}
		}
	}
	return level
}

// Assess scores r from its access level, resource type, duration and the
// requester's department.
func Assess(r models.AccessRequest) models.RiskAssessment {
	level := AccessLevel(r.RequestedRole, r.RequestedPermissions)
	a := models.RiskAssessment{AccessLevel: level}
	score := baseScore
	add := func(points int, format string, args ...any) {
		if points == 0 {
			return
		}
		score += points
		a.Factors = append(a.Factors, fmt.Sprintf("%s (%+d)", fmt.Sprintf(format, args...), points))
	}

	add(levelWeight[level], "access level %s", level)
	add(resourceWeight[r.ResourceType], "resource type %s", r.ResourceType)
	dur, err := r.RequestedDuration.Parse()
	if err == nil {
		add(durationWeight(dur), "duration %s", r.RequestedDuration)
	}
	dept := strings.ToLower(strings.TrimSpace(r.Attributes.Department))
	add(departmentWeight[dept], "department %s", dept)

	a.Score = min(max(score, 0), 100)
	switch {
	case a.Score > 80:
		a.Level = models.RiskHigh
		a.Recommendations = []string{
			"review the justification carefully",
			"consider an additional approver",
			"consider a shorter duration",
		}
	case a.Score > 60:
		a.Level = models.RiskMedium
		a.Recommendations = []string{"monitor usage of the granted access"}
	default:
		a.Level = models.RiskLow
		a.Recommendations = []string{"standard approval"}
	}
	if level == LevelAdmin {
		a.Recommendations = append(a.Recommendations, "consider a least-privilege role")
		a.ComplianceNotes = append(a.ComplianceNotes, "admin access requires quarterly review")
	}
	if err == nil && dur >= 90*24*time.Hour {
		a.Recommendations = append(a.Recommendations, "long-lived access needs periodic review")
	}
	if r.ResourceType == models.ResourceCloudSQL {
		a.ComplianceNotes = append(a.ComplianceNotes, "database access requires additional monitoring")
	}
	return a
}

func durationWeight(d time.Duration) int {
	switch {
	case d >= 365*24*time.Hour:
		return 25
	case d >= 90*24*time.Hour:
		return 15
	default:
		return 0
	}
}
