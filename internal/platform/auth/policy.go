package auth

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	ObjectIncident = "incident"

	ActionRespond   = "respond"   // create, claim, complete, revise
	ActionSupervise = "supervise" // dispatch to another staff member, delete
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// DefaultPolicies grant nurses the responder actions; supervisors inherit them
// and add supervision, admins inherit everything supervisors have.
func DefaultPolicies() (policies [][]string, groupings [][]string) {
	policies = [][]string{
		{RoleNurse, ObjectIncident, ActionRespond},
		{RoleSupervisor, ObjectIncident, ActionSupervise},
	}
	groupings = [][]string{
		{RoleSupervisor, RoleNurse},
		{RoleAdmin, RoleSupervisor},
	}
	return policies, groupings
}

// PolicyAuthorizer answers permission questions about an Actor's roles.
type PolicyAuthorizer struct {
	enforcer *casbin.SyncedEnforcer
}

func NewPolicyAuthorizer(policies, groupings [][]string) (*PolicyAuthorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("parse rbac model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	for _, p := range policies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}
	for _, g := range groupings {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, fmt.Errorf("add grouping %v: %w", g, err)
		}
	}
	return &PolicyAuthorizer{enforcer: e}, nil
}

// Can reports whether any of the actor's roles permits act on obj.
func (a *PolicyAuthorizer) Can(_ context.Context, actor Actor, obj, act string) (bool, error) {
	for _, role := range actor.Roles {
		ok, err := a.enforcer.Enforce(role, obj, act)
		if err != nil {
			return false, fmt.Errorf("enforce %s/%s for %s: %w", obj, act, role, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (a *PolicyAuthorizer) HasSupervisorPrivilege(ctx context.Context, actor Actor) (bool, error) {
	return a.Can(ctx, actor, ObjectIncident, ActionSupervise)
}
