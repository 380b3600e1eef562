package orchestration

import (
	"fmt"
	"strings"
)

// ErrNoCoordinator indicates a descriptor set without the reserved
// coordinator role.
var ErrNoCoordinator = fmt.Errorf("descriptor set must include the %q role", CoordinatorRole)

// Registry holds the validated, immutable descriptor set for one session.
// It has no behavior beyond validation and lookup; descriptors are never
// mutated after construction.
type Registry struct {
	descriptors map[string]AgentDescriptor
	order       []string
}

// NewRegistry validates a descriptor set. Roles must be unique and non-empty,
// instructions must be present, and exactly one descriptor must carry the
// reserved coordinator role. When allowedToolRefs is non-empty every toolRef
// must appear in it.
func NewRegistry(descriptors []AgentDescriptor, allowedToolRefs []string) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("descriptor set is empty")
	}
	allowed := make(map[string]struct{}, len(allowedToolRefs))
	for _, ref := range allowedToolRefs {
		allowed[ref] = struct{}{}
	}

	reg := &Registry{descriptors: make(map[string]AgentDescriptor, len(descriptors))}
	coordinators := 0
	for _, d := range descriptors {
		role := strings.TrimSpace(d.Role)
		if role == "" {
			return nil, fmt.Errorf("descriptor with empty role")
		}
		if strings.TrimSpace(d.Instructions) == "" {
			return nil, fmt.Errorf("descriptor %q has no instructions", role)
		}
		if _, dup := reg.descriptors[role]; dup {
			return nil, fmt.Errorf("duplicate role %q", role)
		}
		for _, ref := range d.ToolRefs {
			if strings.TrimSpace(ref) == "" {
				return nil, fmt.Errorf("descriptor %q has an empty tool ref", role)
			}
			if len(allowed) > 0 {
				if _, ok := allowed[ref]; !ok {
					return nil, fmt.Errorf("descriptor %q references unknown tool ref %q", role, ref)
				}
			}
		}
		if role == CoordinatorRole {
			coordinators++
		}
		d.Role = role
		reg.descriptors[role] = d
		reg.order = append(reg.order, role)
	}
	if coordinators == 0 {
		return nil, ErrNoCoordinator
	}
	return reg, nil
}

// Descriptors returns the descriptor set in submission order.
func (r *Registry) Descriptors() []AgentDescriptor {
	out := make([]AgentDescriptor, 0, len(r.order))
	for _, role := range r.order {
		out = append(out, r.descriptors[role])
	}
	return out
}

// Descriptor returns the descriptor for a role.
func (r *Registry) Descriptor(role string) (AgentDescriptor, bool) {
	d, ok := r.descriptors[role]
	return d, ok
}

// Roles returns all roles in submission order.
func (r *Registry) Roles() []string {
	return append([]string(nil), r.order...)
}

// Has reports whether a role exists in the registry.
func (r *Registry) Has(role string) bool {
	_, ok := r.descriptors[role]
	return ok
}
