package policystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"
)

// Resolve returns the latest enabled policy for resource. An exact resource
// policy wins over a type-wide one.
func Resolve(ctx context.Context, s Store, resource, resourceType string) (models.Policy, error) {
	resource = strings.TrimSpace(resource)
	resourceType = strings.TrimSpace(resourceType)
	if resource != "" {
		p, err := s.Latest(ctx, resource)
		switch {
		case err == nil:
			if resourceType == "" || p.ResourceType == "" || strings.EqualFold(p.ResourceType, resourceType) {
				if p.Enabled {
					return p, nil
				}
				if resourceType == "" {
					resourceType = p.ResourceType
				}
			}
		case !errors.Is(err, accesserr.ErrPolicyNotFound):
			return models.Policy{}, err
		}
	}
	if resourceType != "" {
		p, err := s.Latest(ctx, models.Policy{Resource: "*", ResourceType: resourceType}.Key())
		if err == nil && p.Enabled {
			return p, nil
		}
		if err != nil && !errors.Is(err, accesserr.ErrPolicyNotFound) {
			return models.Policy{}, err
		}
	}
	return models.Policy{}, fmt.Errorf("%w: resource %q type %q", accesserr.ErrPolicyNotFound, resource, resourceType)
}

// ResolveRole flattens the inheritance of role name. Permissions are inherited
// only along edges whose child sets inherit_permissions; condition blocks of
// every ancestor are appended after the role's own blocks.
func ResolveRole(p models.Policy, name string) (models.ResolvedRole, error) {
	g, err := newRoleGraph(p.Roles)
	if err != nil {
		return models.ResolvedRole{}, err
	}
	start, ok := g.index[name]
	if !ok {
		return models.ResolvedRole{}, fmt.Errorf("%w: %q in policy %q", accesserr.ErrRoleNotFound, name, p.Resource)
	}
	if err := g.checkCycles(); err != nil {
		return models.ResolvedRole{}, err
	}

	permNodes := g.walk(start, func(i int) bool {
		inh := g.roles[i].Inheritance
		return inh != nil && inh.InheritPermissions
	})
	seen := map[string]struct{}{}
	perms := []string{}
	for _, i := range permNodes {
		for _, perm := range g.roles[i].Permissions {
			if _, dup := seen[perm]; dup {
				continue
			}
			seen[perm] = struct{}{}
			perms = append(perms, perm)
		}
	}
	sort.Strings(perms)

	lineage := []string{}
	conds := []models.Condition{}
	for _, i := range g.walk(start, func(int) bool { return true }) {
		lineage = append(lineage, g.roles[i].Name)
		conds = append(conds, g.roles[i].Conditions...)
	}
	return models.ResolvedRole{
		Name:        name,
		Permissions: perms,
		Conditions:  conds,
		Lineage:     lineage,
	}, nil
}

// roleGraph is an arena of roles addressed by index.
type roleGraph struct {
	roles   []models.Role
	index   map[string]int
	parents [][]int
}

func newRoleGraph(roles []models.Role) (*roleGraph, error) {
	g := &roleGraph{roles: roles, index: make(map[string]int, len(roles)), parents: make([][]int, len(roles))}
	for i, r := range roles {
		g.index[r.Name] = i
	}
	for i, r := range roles {
		if r.Inheritance == nil {
			continue
		}
		for _, parent := range r.Inheritance.ParentRoles {
			j, ok := g.index[parent]
			if !ok {
				return nil, fmt.Errorf("%w: parent %q of role %q", accesserr.ErrRoleNotFound, parent, r.Name)
			}
			g.parents[i] = append(g.parents[i], j)
		}
	}
	return g, nil
}

// walk visits start and its ancestors breadth-first, following a node's
// parent edges only when follow(node) is true.
func (g *roleGraph) walk(start int, follow func(int) bool) []int {
	visited := make([]bool, len(g.roles))
	visited[start] = true
	order := []int{}
	queue := []int{start}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		if !follow(i) {
			continue
		}
		for _, j := range g.parents[i] {
			if !visited[j] {
				visited[j] = true
				queue = append(queue, j)
			}
		}
	}
	return order
}

// checkCycles runs an iterative three-colour DFS over the whole graph.
func (g *roleGraph) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.roles))
	type frame struct{ node, next int }
	for root := range g.roles {
		if color[root] != white {
			continue
		}
		stack := []frame{{node: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(g.parents[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			j := g.parents[top.node][top.next]
			top.next++
			switch color[j] {
			case grey:
				return fmt.Errorf("%w: %q -> %q", accesserr.ErrInheritanceCycle, g.roles[top.node].Name, g.roles[j].Name)
			case white:
				color[j] = grey
				stack = append(stack, frame{node: j})
			}
		}
	}
	return nil
}
