package contracts

// PrincipalKind distinguishes who (or what) is asking for an action.
type PrincipalKind string

const (
	PrincipalAgent   PrincipalKind = "agent"
	PrincipalHuman   PrincipalKind = "human"
	PrincipalService PrincipalKind = "service"
)

// DataZone classifies data sensitivity. Zones form a total order:
// public < internal < confidential < restricted. A permission granted
// at zone X covers every zone ≤ X.
type DataZone string

const (
	ZonePublic       DataZone = "public"
	ZoneInternal     DataZone = "internal"
	ZoneConfidential DataZone = "confidential"
	ZoneRestricted   DataZone = "restricted"
)

// zoneRank maps zones onto their position in the total order.
// Unknown zones rank below public so they never satisfy a requirement.
var zoneRank = map[DataZone]int{
	ZonePublic:       1,
	ZoneInternal:     2,
	ZoneConfidential: 3,
	ZoneRestricted:   4,
}

// Covers reports whether a grant at zone z satisfies a requirement at req.
func (z DataZone) Covers(req DataZone) bool {
	return zoneRank[z] >= zoneRank[req]
}

// Known reports whether z is one of the four defined zones.
func (z DataZone) Known() bool {
	_, ok := zoneRank[z]
	return ok
}

// Permission grants a verb over a resource, optionally scoped by intent
// and data zone.
type Permission struct {
	Verb     string   `json:"verb"`
	Resource string   `json:"resource"`
	Intent   string   `json:"intent,omitempty"`
	DataZone DataZone `json:"data_zone,omitempty"`
}

// Satisfies reports whether the granted permission q covers the required
// permission p. Verb and resource must match exactly; intent must match
// when p specifies one; the granted zone must cover the required zone
// when either side specifies one.
func (q Permission) Satisfies(p Permission) bool {
	if q.Verb != p.Verb || q.Resource != p.Resource {
		return false
	}
	if p.Intent != "" && q.Intent != p.Intent {
		return false
	}
	if p.DataZone != "" || q.DataZone != "" {
		granted := q.DataZone
		if granted == "" {
			granted = ZonePublic
		}
		required := p.DataZone
		if required == "" {
			required = ZonePublic
		}
		if !granted.Covers(required) {
			return false
		}
	}
	return true
}

// Principal is an identity holding permissions. Principals are immutable
// for the duration of a policy evaluation.
type Principal struct {
	ID          string        `json:"id"`
	Kind        PrincipalKind `json:"kind"`
	Permissions []Permission  `json:"permissions"`
}

// HasPermission reports whether any granted permission satisfies p.
func (pr *Principal) HasPermission(p Permission) bool {
	for _, q := range pr.Permissions {
		if q.Satisfies(p) {
			return true
		}
	}
	return false
}
