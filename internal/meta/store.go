package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/model-tiers/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store persists migration job history and instance usage statistics.
type Store interface {
	RecordJob(ctx context.Context, job types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	// ListJobs returns jobs ordered by start time. An empty resource lists
	// every job; limit <= 0 means no limit.
	ListJobs(ctx context.Context, resource string, limit int) ([]types.Job, error)
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)

	RecordInstance(ctx context.Context, rec InstanceRecord) error
	GetInstance(ctx context.Context, name string) (*InstanceRecord, error)
	ListInstances(ctx context.Context) ([]InstanceRecord, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	return open(path, &bbolt.Options{Timeout: 5 * time.Second}, logger)
}

// NewBoltStoreNoSync opens the store without fsync on commit.
func NewBoltStoreNoSync(path string, logger *zap.Logger) (*BoltStore, error) {
	return open(path, &bbolt.Options{Timeout: 5 * time.Second, NoSync: true}, logger)
}

func open(path string, opts *bbolt.Options, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketJobs); err != nil {
			return err
		}
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			if _, err := tx.CreateBucketIfNotExists(bucketInstances); err != nil {
				return err
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *BoltStore) RecordJob(_ context.Context, job types.Job) error {
	data, err := encode(&job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(_ context.Context, id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketJobs).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: job %s", types.ErrNotFound, id)
		}
		return decode(raw, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs(_ context.Context, resource string, limit int) ([]types.Job, error) {
	var jobs []types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := decode(v, &job); err != nil {
				return fmt.Errorf("decoding job %s: %w", k, err)
			}
			if resource != "" && job.Resource != resource {
				return nil
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].StartTime.Before(jobs[j].StartTime)
		}
		return jobs[i].ID < jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[len(jobs)-limit:]
	}
	return jobs, nil
}

// DeleteJobsBefore removes finished jobs that ended before cutoff.
func (s *BoltStore) DeleteJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := decode(v, &job); err != nil {
				return err
			}
			if job.Done() && job.EndTime.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}

func (s *BoltStore) RecordInstance(_ context.Context, rec InstanceRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	data, err := encode(&rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).Put([]byte(rec.Name), data)
	})
}

func (s *BoltStore) GetInstance(_ context.Context, name string) (*InstanceRecord, error) {
	var rec InstanceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketInstances).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("%w: instance %s", types.ErrNotFound, name)
		}
		return decode(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListInstances(_ context.Context) ([]InstanceRecord, error) {
	var recs []InstanceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var rec InstanceRecord
			if err := decode(v, &rec); err != nil {
				return fmt.Errorf("decoding instance %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
