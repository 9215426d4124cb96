// Package state persists what a running lab needs for a later status or
// teardown from another process: its routers, hosts and daemon PIDs.
package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/chainlab/pkg/util"
)

// ErrNotFound is returned by Load for an unknown lab.
var ErrNotFound = util.ErrNotFound

// LabState is the persisted view of one lab.
type LabState struct {
	Name            string          `json:"name"`
	ID              string          `json:"id"`
	Created         time.Time       `json:"created"`
	BaseDir         string          `json:"base_dir"`
	Backend         string          `json:"backend"`
	NamespacePrefix string          `json:"namespace_prefix,omitempty"`
	Phase           string          `json:"phase"`
	Routers         []string        `json:"routers"`
	Hosts           []string        `json:"hosts"`
	Roles           []string        `json:"roles"` // start order
	Daemons         []*DaemonRecord `json:"daemons,omitempty"`
}

// DaemonRecord tracks one routing daemon.
type DaemonRecord struct {
	Router  string `json:"router"`
	Role    string `json:"role"`
	PID     int    `json:"pid"`
	Status  string `json:"status"` // "running", "absent", ...
	PIDFile string `json:"pid_file"`
	Socket  string `json:"socket,omitempty"`
}

// Store saves and loads lab state.
type Store interface {
	Save(ctx context.Context, st *LabState) error
	Load(ctx context.Context, name string) (*LabState, error)
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// ValidateName rejects names that cannot be used as a directory or key
// component.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("state: empty lab name")
	}
	if strings.ContainsAny(name, `/\|*?[]`) || name == "." || name == ".." {
		return fmt.Errorf("state: invalid lab name %q", name)
	}
	return nil
}

func notFound(name string) error {
	return fmt.Errorf("state: lab %s: %w", name, ErrNotFound)
}
