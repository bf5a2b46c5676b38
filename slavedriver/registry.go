package slavedriver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// bucketInFlight is the single bbolt bucket backing the registry: JSON
// values, string keys.
const bucketInFlight = "in_flight"

// BuildKey identifies one (package, version, abi) slot in the pending-build
// space, the unit tracked as in flight so no two slaves are dispatched the
// same work.
type BuildKey struct {
	Package string `json:"package"`
	Version string `json:"version"`
	ABI     string `json:"abi"`
}

func (k BuildKey) boltKey() []byte {
	return []byte(k.Package + "\x00" + k.Version + "\x00" + k.ABI)
}

// Assignment records which slave is building a BuildKey and since when.
// Nothing in this package reads StartedAt back: a silent slave is detected
// by the read deadline on its connection, not by a sweep over assignments.
type Assignment struct {
	SlaveID   string    `json:"slave_id"`
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks in-flight assignments in memory, mirrored to a bbolt file
// so a master restart resumes knowing what was mid-build instead of
// redispatching work a slave may still be finishing.
type Registry struct {
	mu       sync.RWMutex
	inFlight map[BuildKey]Assignment
	store    *bolt.DB
}

// OpenRegistry opens (creating if absent) the bbolt file at path and loads
// any assignments left over from a previous run.
func OpenRegistry(path string) (*Registry, error) {
	store, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}

	r := &Registry{inFlight: make(map[BuildKey]Assignment), store: store}

	err = store.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(bucketInFlight))
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var entry struct {
				Key        BuildKey
				Assignment Assignment
			}
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			r.inFlight[entry.Key] = entry.Assignment
			return nil
		})
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load registry %s: %w", path, err)
	}
	return r, nil
}

// Close closes the underlying bbolt file.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Assign records key as in flight for slaveID, persisting the assignment.
// The check-and-insert is atomic: if key is already assigned, Assign
// reports false and writes nothing, so two slaves racing for the same
// candidate cannot both win it.
func (r *Registry) Assign(key BuildKey, slaveID string) (bool, error) {
	assignment := Assignment{SlaveID: slaveID, StartedAt: time.Now()}

	r.mu.Lock()
	if _, taken := r.inFlight[key]; taken {
		r.mu.Unlock()
		return false, nil
	}
	r.inFlight[key] = assignment
	r.mu.Unlock()

	return true, r.persist(key, assignment)
}

// Release removes key from the in-flight set, persisting the removal. Safe
// to call on a key that isn't tracked.
func (r *Registry) Release(key BuildKey) error {
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()

	return r.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketInFlight)).Delete(key.boltKey())
	})
}

// IsInFlight reports whether key is currently assigned to a slave.
func (r *Registry) IsInFlight(key BuildKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inFlight[key]
	return ok
}

// AssignmentsBySlave returns every key currently assigned to slaveID, for
// release when that slave is declared dead.
func (r *Registry) AssignmentsBySlave(slaveID string) []BuildKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []BuildKey
	for k, a := range r.inFlight {
		if a.SlaveID == slaveID {
			keys = append(keys, k)
		}
	}
	return keys
}

func (r *Registry) persist(key BuildKey, assignment Assignment) error {
	entry := struct {
		Key        BuildKey
		Assignment Assignment
	}{Key: key, Assignment: assignment}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal in-flight entry: %w", err)
	}
	return r.store.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketInFlight)).Put(key.boltKey(), data)
	})
}
