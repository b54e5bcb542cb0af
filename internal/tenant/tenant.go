// Package tenant holds the read-only catalog of organizations and the
// device-to-tenant index used to route events to the right upstream.
package tenant

import (
	"log"
	"strings"
)

// AuthKind selects how the upstream endpoint authenticates us.
type AuthKind string

const (
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
)

// Auth is the upstream credential set for one tenant.
type Auth struct {
	Kind     AuthKind
	Token    string // bearer
	Username string // basic
	Password string // basic
}

// Tenant is one organization with its own upstream accounting endpoint.
type Tenant struct {
	Name        string
	UpstreamURL string
	Auth        Auth
	ObjectID    string
}

// Binding maps one terminal's MAC to its owning tenant.
type Binding struct {
	MAC    string
	Tenant string
}

// Resolver answers device → tenant lookups. It is built once at startup and
// never mutated afterwards, so concurrent readers need no locking.
type Resolver struct {
	tenants map[string]*Tenant
	byMAC   map[string]string
}

// NewResolver builds the catalog and the MAC index. Bindings that reference
// an unknown tenant are kept; resolution for them returns nil the same as an
// unknown device, and the misconfiguration is logged once here.
func NewResolver(tenants []*Tenant, bindings []Binding, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(log.Writer(), "[TENANT] ", log.LstdFlags)
	}

	r := &Resolver{
		tenants: make(map[string]*Tenant, len(tenants)),
		byMAC:   make(map[string]string, len(bindings)),
	}
	for _, t := range tenants {
		r.tenants[t.Name] = t
	}
	for _, b := range bindings {
		mac := strings.ToUpper(strings.TrimSpace(b.MAC))
		if mac == "" || b.Tenant == "" {
			continue
		}
		if _, known := r.tenants[b.Tenant]; !known {
			logger.Printf("terminal %s bound to unknown tenant %q", mac, b.Tenant)
		}
		r.byMAC[mac] = b.Tenant
	}

	logger.Printf("loaded %d tenants, %d terminal bindings", len(r.tenants), len(r.byMAC))
	return r
}

// FindByDevice maps a device key (MAC-formatted, uppercased for lookup) to
// its tenant. Missing is a first-class outcome, not an error.
func (r *Resolver) FindByDevice(deviceKey string) *Tenant {
	if deviceKey == "" {
		return nil
	}
	name, ok := r.byMAC[strings.ToUpper(deviceKey)]
	if !ok {
		return nil
	}
	return r.tenants[name]
}

// Get returns a tenant by name, used when replaying pending records that
// already carry their tenant.
func (r *Resolver) Get(name string) *Tenant {
	return r.tenants[name]
}

// Len returns the number of tenants in the catalog.
func (r *Resolver) Len() int {
	return len(r.tenants)
}
