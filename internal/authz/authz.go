// Package authz decides whether an actor may mutate a resource.
package authz

import (
	"context"
	"slices"
)

// Action is the kind of access requested.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Policy is the capability check injected into write services.
type Policy interface {
	Can(ctx context.Context, actor string, action Action, resource any) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, actor string, action Action, resource any) bool

func (f PolicyFunc) Can(ctx context.Context, actor string, action Action, resource any) bool {
	return f(ctx, actor, action, resource)
}

// Ownable is implemented by resources with a single owning actor.
type Ownable interface {
	Owner() string
}

// OwnershipPolicy allows an actor to touch only what they own. A nil
// resource (creation, listing) is always allowed. Resources that do not
// implement Ownable are denied.
type OwnershipPolicy struct{}

func (OwnershipPolicy) Can(_ context.Context, actor string, _ Action, resource any) bool {
	if resource == nil {
		return true
	}
	o, ok := resource.(Ownable)
	if !ok {
		return false
	}
	return actor != "" && o.Owner() == actor
}

// AllowAll permits every request.
type AllowAll struct{}

func (AllowAll) Can(context.Context, string, Action, any) bool { return true }

// AdminBypass lets listed admins through and defers to inner for everyone else.
type AdminBypass struct {
	Admins []string
	Inner  Policy
}

func (p AdminBypass) Can(ctx context.Context, actor string, action Action, resource any) bool {
	if actor != "" && slices.Contains(p.Admins, actor) {
		return true
	}
	return p.Inner.Can(ctx, actor, action, resource)
}

// FromConfig builds the named policy: "allow_all" or "ownership" (default),
// wrapped in AdminBypass when admins are configured.
func FromConfig(name string, admins []string) Policy {
	var p Policy = OwnershipPolicy{}
	if name == "allow_all" {
		p = AllowAll{}
	}
	if len(admins) > 0 {
		p = AdminBypass{Admins: admins, Inner: p}
	}
	return p
}
