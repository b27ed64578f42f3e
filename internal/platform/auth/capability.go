package auth

// Resource names the protected surfaces of the agent API.
const (
	ResourceScreeningResult = "screening_result"
	ResourceChildProfile    = "child_profile"
	ResourceSyncQueue       = "sync_queue"
	ResourceExport          = "export"
)

// Actor is the authenticated caller of a capability check.
type Actor struct {
	ID    string
	Roles []string
}

// Capability answers whether an actor may read or write a resource type.
// Handlers consult it before touching stores; the sync engine bypasses it,
// uploads run under the device identity.
type Capability interface {
	CanRead(actor Actor, resource string) bool
	CanWrite(actor Actor, resource string) bool
}

type grant struct {
	read  bool
	write bool
}

// RolePolicy is a static role-to-grant table.
type RolePolicy struct {
	grants map[string]map[string]grant
}

// NewDefaultPolicy returns the built-in roles:
//
//	admin     full access
//	screener  records results, reads profiles and queue state, exports
//	nurse     read-only clinical access plus exports
//	guardian  reads results and the child profile, nothing else
func NewDefaultPolicy() *RolePolicy {
	rw := grant{read: true, write: true}
	ro := grant{read: true}
	return &RolePolicy{grants: map[string]map[string]grant{
		"admin": {
			ResourceScreeningResult: rw,
			ResourceChildProfile:    rw,
			ResourceSyncQueue:       rw,
			ResourceExport:          rw,
		},
		"screener": {
			ResourceScreeningResult: rw,
			ResourceChildProfile:    rw,
			ResourceSyncQueue:       rw,
			ResourceExport:          ro,
		},
		"nurse": {
			ResourceScreeningResult: ro,
			ResourceChildProfile:    ro,
			ResourceSyncQueue:       ro,
			ResourceExport:          ro,
		},
		"guardian": {
			ResourceScreeningResult: ro,
			ResourceChildProfile:    ro,
		},
	}}
}

func (p *RolePolicy) CanRead(actor Actor, resource string) bool {
	return p.allowed(actor, resource, false)
}

func (p *RolePolicy) CanWrite(actor Actor, resource string) bool {
	return p.allowed(actor, resource, true)
}

func (p *RolePolicy) allowed(actor Actor, resource string, write bool) bool {
	for _, role := range actor.Roles {
		g, ok := p.grants[role][resource]
		if !ok {
			continue
		}
		if write && g.write {
			return true
		}
		if !write && g.read {
			return true
		}
	}
	return false
}
