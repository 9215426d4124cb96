package supervisor

import (
	"fmt"
	"sort"
)

// Kind distinguishes the daemon that owns a router's control socket from
// the protocol daemons that connect to it.
type Kind int

const (
	// TableManager owns the routing table and the control socket (zebra).
	TableManager Kind = iota
	// ProtocolSpeaker runs a routing protocol over the table manager (bgpd, ripd).
	ProtocolSpeaker
)

func (k Kind) String() string {
	switch k {
	case TableManager:
		return "table-manager"
	case ProtocolSpeaker:
		return "protocol-speaker"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "table-manager":
		return TableManager, nil
	case "protocol-speaker":
		return ProtocolSpeaker, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidRoles, s)
}

// Role is one daemon run on every router.
type Role struct {
	Name   string
	Binary string
	Kind   Kind
	After  []string // roles that must be running first
}

// dependsOn reports whether r must start after other. Protocol speakers
// always depend on every table manager.
func (r Role) dependsOn(other Role) bool {
	if r.Name == other.Name {
		return false
	}
	if r.Kind == ProtocolSpeaker && other.Kind == TableManager {
		return true
	}
	for _, a := range r.After {
		if a == other.Name {
			return true
		}
	}
	return false
}

// StartOrder sorts roles so every role follows its dependencies. Ties keep
// table managers first, then input order.
func StartOrder(roles []Role) ([]Role, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: no roles", ErrInvalidRoles)
	}

	index := make(map[string]int, len(roles))
	for i, r := range roles {
		if r.Name == "" {
			return nil, fmt.Errorf("%w: role %d has no name", ErrInvalidRoles, i)
		}
		if r.Binary == "" {
			return nil, fmt.Errorf("%w: role %s has no binary", ErrInvalidRoles, r.Name)
		}
		if _, dup := index[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate role %s", ErrInvalidRoles, r.Name)
		}
		index[r.Name] = i
	}
	for _, r := range roles {
		for _, a := range r.After {
			dep, ok := index[a]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on unknown role %s", ErrInvalidRoles, r.Name, a)
			}
			if r.Kind == TableManager && roles[dep].Kind == ProtocolSpeaker {
				return nil, fmt.Errorf("%w: table manager %s cannot depend on %s", ErrInvalidRoles, r.Name, a)
			}
		}
	}

	// Kahn's algorithm over the candidate set, picking the lowest
	// (kind, input position) each round.
	pending := make([]int, len(roles))
	for i := range pending {
		pending[i] = i
	}
	ordered := make([]Role, 0, len(roles))

	for len(pending) > 0 {
		var ready []int
		for _, i := range pending {
			ok := true
			for _, j := range pending {
				if i != j && roles[i].dependsOn(roles[j]) {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			var names []string
			for _, i := range pending {
				names = append(names, roles[i].Name)
			}
			return nil, fmt.Errorf("%w: dependency cycle among %v", ErrInvalidRoles, names)
		}
		sort.SliceStable(ready, func(a, b int) bool {
			return roles[ready[a]].Kind < roles[ready[b]].Kind
		})

		next := ready[0]
		ordered = append(ordered, roles[next])
		for k, i := range pending {
			if i == next {
				pending = append(pending[:k], pending[k+1:]...)
				break
			}
		}
	}
	return ordered, nil
}

// StopOrder is the reverse of start order.
func StopOrder(ordered []Role) []Role {
	out := make([]Role, len(ordered))
	for i, r := range ordered {
		out[len(ordered)-1-i] = r
	}
	return out
}
