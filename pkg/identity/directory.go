package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"

	"gopkg.in/yaml.v3"
)

// StaticDirectory serves profiles held in memory. Principals match
// case-insensitively.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func NewStaticDirectory(profiles ...models.Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: map[string]models.Profile{}}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

func principalKey(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func (d *StaticDirectory) Lookup(_ context.Context, principal string) (models.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[principalKey(principal)]
	if !ok {
		return models.Profile{}, fmt.Errorf("%w: unknown principal %q", accesserr.ErrInvalidRequest, principal)
	}
	p.Roles = append([]string(nil), p.Roles...)
	return p, nil
}

func (d *StaticDirectory) Put(p models.Profile) {
	key := principalKey(p.Principal)
	if key == "" {
		return
	}
	d.mu.Lock()
	d.profiles[key] = p
	d.mu.Unlock()
}

func (d *StaticDirectory) Delete(principal string) {
	d.mu.Lock()
	delete(d.profiles, principalKey(principal))
	d.mu.Unlock()
}

func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}

// LoadFile reads a YAML (or JSON) document of the form
//
//	profiles:
//	  - principal: bob
//	    attributes: {department: sales, manager: mallory}
//	    roles: [dba]
func LoadFile(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}
	var doc struct {
		Profiles []yamlProfile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	d := NewStaticDirectory()
	for i, p := range doc.Profiles {
		if strings.TrimSpace(p.Principal) == "" {
			return nil, fmt.Errorf("directory %s: profiles[%d]: principal is required", path, i)
		}
		d.Put(p.profile())
	}
	return d, nil
}

type yamlProfile struct {
	Principal  string         `yaml:"principal"`
	Email      string         `yaml:"email"`
	Roles      []string       `yaml:"roles"`
	Attributes yamlAttributes `yaml:"attributes"`
}

type yamlAttributes struct {
	Department        string `yaml:"department"`
	DataSensitivity   string `yaml:"data_sensitivity"`
	Location          string `yaml:"location"`
	JobLevel          string `yaml:"job_level"`
	ContractType      string `yaml:"contract_type"`
	SecurityClearance string `yaml:"security_clearance"`
	Manager           string `yaml:"manager"`
}

func (p yamlProfile) profile() models.Profile {
	return models.Profile{
		Principal: p.Principal,
		Email:     p.Email,
		Roles:     p.Roles,
		Attributes: models.RequestAttributes{
			Department:        p.Attributes.Department,
			DataSensitivity:   p.Attributes.DataSensitivity,
			Location:          p.Attributes.Location,
			JobLevel:          p.Attributes.JobLevel,
			ContractType:      p.Attributes.ContractType,
			SecurityClearance: p.Attributes.SecurityClearance,
			Manager:           p.Attributes.Manager,
		},
	}
}
