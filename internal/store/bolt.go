// Package store persists Deployment and User records in an embedded,
// transactional key/value database, with secondary-index buckets
// emulating unique indices on Deployment.Subdomain and
// Deployment.InternalPort.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/layer3studios/proxyclaw/internal/validate"
)

var (
	bucketDeployments  = []byte("deployments")
	bucketUsers        = []byte("users")
	bucketIdxSubdomain = []byte("idx_subdomain")
	bucketIdxPort      = []byte("idx_internal_port")
	bucketIdxEmail     = []byte("idx_email")
	bucketIdxGoogleID  = []byte("idx_google_id")
)

// Store wraps a BoltDB database holding the Deployment and User collections.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all required
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	buckets := [][]byte{bucketDeployments, bucketUsers, bucketIdxSubdomain, bucketIdxPort, bucketIdxEmail, bucketIdxGoogleID}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = fmt.Errorf("not found")

// ErrConflict is returned by a compare-and-swap update whose precondition
// no longer holds, or by a create that collides with a unique index.
var ErrConflict = fmt.Errorf("conflict")

// --- Deployment collection ---

// CreateDeployment inserts a new deployment, maintaining the subdomain and
// internal-port secondary indices. Fails validation if the subdomain doesn't
// match the canonical format, or with ErrConflict if it's already taken.
func (s *Store) CreateDeployment(d *Deployment) error {
	if err := validate.Subdomain(d.Subdomain); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdxSubdomain)
		if idx.Get([]byte(d.Subdomain)) != nil {
			return ErrConflict
		}
		if d.InternalPort != 0 {
			portIdx := tx.Bucket(bucketIdxPort)
			if portIdx.Get(portKey(d.InternalPort)) != nil {
				return ErrConflict
			}
		}

		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal deployment: %w", err)
		}
		if err := tx.Bucket(bucketDeployments).Put([]byte(d.ID), data); err != nil {
			return err
		}
		if err := idx.Put([]byte(d.Subdomain), []byte(d.ID)); err != nil {
			return err
		}
		if d.InternalPort != 0 {
			if err := tx.Bucket(bucketIdxPort).Put(portKey(d.InternalPort), []byte(d.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindDeploymentByID returns a deployment by its primary key.
func (s *Store) FindDeploymentByID(id string) (*Deployment, error) {
	var d *Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeployments).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var rec Deployment
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		d = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// FindDeploymentBySubdomain returns a deployment by its unique subdomain.
func (s *Store) FindDeploymentBySubdomain(subdomain string) (*Deployment, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdxSubdomain).Get([]byte(subdomain))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindDeploymentByID(id)
}

// ListDeploymentsByFilter scans every deployment and returns those for
// which keep returns true. There is no query planner — filters run
// in-process over a full bucket scan, which is acceptable at this scale.
func (s *Store) ListDeploymentsByFilter(keep func(*Deployment) bool) ([]*Deployment, error) {
	var out []*Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var rec Deployment
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if keep == nil || keep(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

// CountDeploymentsByFilter is ListDeploymentsByFilter without materializing
// the matching records.
func (s *Store) CountDeploymentsByFilter(keep func(*Deployment) bool) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			var rec Deployment
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if keep == nil || keep(&rec) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// UpdateDeployment applies mutate to the current record and persists the
// result, maintaining the secondary indices. If wantStatus is non-empty,
// the update is a compare-and-swap: it fails with ErrConflict if the
// record's current status does not equal wantStatus. If the mutated
// record sets a new InternalPort that collides with another deployment's
// index entry, the update fails with ErrConflict and nothing is written.
func (s *Store) UpdateDeployment(id string, wantStatus Status, mutate func(*Deployment)) (*Deployment, error) {
	var result Deployment
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var cur Deployment
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}
		if wantStatus != "" && cur.Status != wantStatus {
			return ErrConflict
		}

		before := cur
		mutate(&cur)

		portIdx := tx.Bucket(bucketIdxPort)
		if cur.InternalPort != before.InternalPort {
			if before.InternalPort != 0 {
				if err := portIdx.Delete(portKey(before.InternalPort)); err != nil {
					return err
				}
			}
			if cur.InternalPort != 0 {
				if existing := portIdx.Get(portKey(cur.InternalPort)); existing != nil && string(existing) != id {
					return ErrConflict
				}
				if err := portIdx.Put(portKey(cur.InternalPort), []byte(id)); err != nil {
					return err
				}
			}
		}

		subIdx := tx.Bucket(bucketIdxSubdomain)
		if cur.Subdomain != before.Subdomain {
			if err := validate.Subdomain(cur.Subdomain); err != nil {
				return err
			}
			if before.Subdomain != "" {
				if err := subIdx.Delete([]byte(before.Subdomain)); err != nil {
					return err
				}
			}
			if existing := subIdx.Get([]byte(cur.Subdomain)); existing != nil && string(existing) != id {
				return ErrConflict
			}
			if err := subIdx.Put([]byte(cur.Subdomain), []byte(id)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(&cur)
		if err != nil {
			return fmt.Errorf("marshal deployment: %w", err)
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
		result = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteDeployment removes a deployment and its secondary-index entries.
func (s *Store) DeleteDeployment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var rec Deployment
		if err := json.Unmarshal(v, &rec); err == nil {
			if rec.Subdomain != "" {
				_ = tx.Bucket(bucketIdxSubdomain).Delete([]byte(rec.Subdomain))
			}
			if rec.InternalPort != 0 {
				_ = tx.Bucket(bucketIdxPort).Delete(portKey(rec.InternalPort))
			}
		}
		return b.Delete([]byte(id))
	})
}

func portKey(port int) []byte {
	return []byte(fmt.Sprintf("%d", port))
}

// --- User collection ---

// CreateUser inserts a new user, maintaining the email (and, if set,
// Google ID) secondary indices. Fails with ErrConflict if the email is
// already taken.
func (s *Store) CreateUser(u *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		emailIdx := tx.Bucket(bucketIdxEmail)
		if emailIdx.Get([]byte(u.Email)) != nil {
			return ErrConflict
		}

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		if err := tx.Bucket(bucketUsers).Put([]byte(u.ID), data); err != nil {
			return err
		}
		if err := emailIdx.Put([]byte(u.Email), []byte(u.ID)); err != nil {
			return err
		}
		if u.GoogleID != "" {
			if err := tx.Bucket(bucketIdxGoogleID).Put([]byte(u.GoogleID), []byte(u.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindUserByID returns a user by primary key.
func (s *Store) FindUserByID(id string) (*User, error) {
	var u *User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var rec User
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		u = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// FindUserByEmail returns a user by its unique, lowercase email.
func (s *Store) FindUserByEmail(email string) (*User, error) {
	return s.findUserByIndex(bucketIdxEmail, email)
}

// FindUserByGoogleID returns a user by their linked Google account ID.
func (s *Store) FindUserByGoogleID(googleID string) (*User, error) {
	return s.findUserByIndex(bucketIdxGoogleID, googleID)
}

func (s *Store) findUserByIndex(bucket []byte, key string) (*User, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindUserByID(id)
}

// ListUsersByFilter scans every user and returns those for which keep returns true.
func (s *Store) ListUsersByFilter(keep func(*User) bool) ([]*User, error) {
	var out []*User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var rec User
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if keep == nil || keep(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

// CountUsersByFilter is ListUsersByFilter without materializing the matching records.
func (s *Store) CountUsersByFilter(keep func(*User) bool) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var rec User
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if keep == nil || keep(&rec) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// UpdateUser applies mutate to the current record and persists the result,
// maintaining the email/Google-ID secondary indices.
func (s *Store) UpdateUser(id string, mutate func(*User)) (*User, error) {
	var result User
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var cur User
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}
		before := cur
		mutate(&cur)

		emailIdx := tx.Bucket(bucketIdxEmail)
		if cur.Email != before.Email {
			if before.Email != "" {
				_ = emailIdx.Delete([]byte(before.Email))
			}
			if existing := emailIdx.Get([]byte(cur.Email)); existing != nil && string(existing) != id {
				return ErrConflict
			}
			if err := emailIdx.Put([]byte(cur.Email), []byte(id)); err != nil {
				return err
			}
		}

		googleIdx := tx.Bucket(bucketIdxGoogleID)
		if cur.GoogleID != before.GoogleID {
			if before.GoogleID != "" {
				_ = googleIdx.Delete([]byte(before.GoogleID))
			}
			if cur.GoogleID != "" {
				if err := googleIdx.Put([]byte(cur.GoogleID), []byte(id)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(&cur)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
		result = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteUser removes a user and its secondary-index entries.
func (s *Store) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var rec User
		if err := json.Unmarshal(v, &rec); err == nil {
			if rec.Email != "" {
				_ = tx.Bucket(bucketIdxEmail).Delete([]byte(rec.Email))
			}
			if rec.GoogleID != "" {
				_ = tx.Bucket(bucketIdxGoogleID).Delete([]byte(rec.GoogleID))
			}
		}
		return b.Delete([]byte(id))
	})
}
