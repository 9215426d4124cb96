package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/chainlab/pkg/util"
)

// Key tables. Keys follow the TABLE|key|... convention.
const (
	LabTable    = "CHAINLAB_LAB"
	DaemonTable = "CHAINLAB_DAEMON"
	keySep      = "|"
)

// saveRetries bounds how often Save retries after losing a race with
// another save of the same lab.
const saveRetries = 10

// RedisStore keeps labs in Redis: one hash per lab and one per daemon.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects lazily to addr, database db.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

// Ping tests the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("state: redis: %w", err)
	}
	return nil
}

// Close closes the connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func labKey(name string) string {
	return LabTable + keySep + name
}

func daemonKey(name, router, role string) string {
	return strings.Join([]string{DaemonTable, name, router, role}, keySep)
}

func daemonPattern(name string) string {
	return DaemonTable + keySep + name + keySep + "*"
}

// Save replaces the lab hash and all of its daemon hashes in one transaction.
func (s *RedisStore) Save(ctx context.Context, st *LabState) error {
	if err := ValidateName(st.Name); err != nil {
		return err
	}

	// Every save rewrites the lab hash, so watching it makes a concurrent
	// save of the same lab abort this transaction instead of leaving daemon
	// hashes from both behind.
	save := func(tx *redis.Tx) error {
		stale, err := scanKeys(ctx, tx, daemonPattern(st.Name), 100)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(stale) > 0 {
				pipe.Del(ctx, stale...)
			}
			pipe.Del(ctx, labKey(st.Name))
			pipe.HSet(ctx, labKey(st.Name), map[string]interface{}{
				"id":               st.ID,
				"created":          st.Created.UTC().Format(time.RFC3339Nano),
				"base_dir":         st.BaseDir,
				"backend":          st.Backend,
				"namespace_prefix": st.NamespacePrefix,
				"phase":            st.Phase,
				"routers":          strings.Join(st.Routers, ","),
				"hosts":            strings.Join(st.Hosts, ","),
				"roles":            strings.Join(st.Roles, ","),
			})
			for i, d := range st.Daemons {
				pipe.HSet(ctx, daemonKey(st.Name, d.Router, d.Role), map[string]interface{}{
					"index":    i,
					"pid":      d.PID,
					"status":   d.Status,
					"pid_file": d.PIDFile,
					"socket":   d.Socket,
				})
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		err := s.client.Watch(ctx, save, labKey(st.Name))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("state: redis save %s: %w", st.Name, err)
		}
		return nil
	}
	return fmt.Errorf("state: redis save %s: %w", st.Name, redis.TxFailedErr)
}

// Load reads a lab and its daemons.
func (s *RedisStore) Load(ctx context.Context, name string) (*LabState, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	vals, err := s.client.HGetAll(ctx, labKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("state: redis load %s: %w", name, err)
	}
	if len(vals) == 0 {
		return nil, notFound(name)
	}

	st := &LabState{
		Name:            name,
		ID:              vals["id"],
		BaseDir:         vals["base_dir"],
		Backend:         vals["backend"],
		NamespacePrefix: vals["namespace_prefix"],
		Phase:           vals["phase"],
		Routers:         util.SplitCommaSeparated(vals["routers"]),
		Hosts:           util.SplitCommaSeparated(vals["hosts"]),
		Roles:           util.SplitCommaSeparated(vals["roles"]),
	}
	if created := vals["created"]; created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("state: redis load %s: created: %w", name, err)
		}
		st.Created = t
	}

	keys, err := scanKeys(ctx, s.client, daemonPattern(name), 100)
	if err != nil {
		return nil, fmt.Errorf("state: redis load %s: %w", name, err)
	}
	type indexed struct {
		index int
		rec   *DaemonRecord
	}
	var daemons []indexed
	for _, key := range keys {
		parts := strings.Split(key, keySep)
		if len(parts) != 4 {
			continue
		}
		dv, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("state: redis load %s: %w", key, err)
		}
		index, _ := strconv.Atoi(dv["index"])
		pid, _ := strconv.Atoi(dv["pid"])
		daemons = append(daemons, indexed{index, &DaemonRecord{
			Router:  parts[2],
			Role:    parts[3],
			PID:     pid,
			Status:  dv["status"],
			PIDFile: dv["pid_file"],
			Socket:  dv["socket"],
		}})
	}
	sort.Slice(daemons, func(i, j int) bool { return daemons[i].index < daemons[j].index })
	for _, d := range daemons {
		st.Daemons = append(st.Daemons, d.rec)
	}
	return st, nil
}

// Remove deletes a lab and its daemons.
func (s *RedisStore) Remove(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	keys, err := scanKeys(ctx, s.client, daemonPattern(name), 100)
	if err != nil {
		return fmt.Errorf("state: redis remove %s: %w", name, err)
	}
	keys = append(keys, labKey(name))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("state: redis remove %s: %w", name, err)
	}
	return nil
}

// List returns all lab names.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	keys, err := scanKeys(ctx, s.client, LabTable+keySep+"*", 100)
	if err != nil {
		return nil, fmt.Errorf("state: redis list: %w", err)
	}
	var names []string
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, LabTable+keySep))
	}
	sort.Strings(names)
	return names, nil
}

// scanner is satisfied by *redis.Client and *redis.Tx.
type scanner interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// scanKeys collects keys with cursor-based SCAN rather than KEYS.
func scanKeys(ctx context.Context, client scanner, pattern string, countHint int64) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, nextCursor, err := client.Scan(ctx, cursor, pattern, countHint).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
