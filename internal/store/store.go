// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/noaione/vthell/internal/log"
)

// Key layout:
//   job:<id>   JSON Job
//   rule:<seq> JSON AutoRule (seq zero-padded for ordered scans)
//   chat:<id>  JSON PendingChat
var (
	prefixJob  = []byte("job:")
	prefixRule = []byte("rule:")
	prefixChat = []byte("chat:")
)

// ErrNotFound is returned for lookups of absent records where the absence is
// an error for the caller.
var ErrNotFound = errors.New("store: record not found")

// Store is the single-writer persistent table behind the orchestrator.
type Store struct {
	db      *badger.DB
	ruleSeq *badger.Sequence
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:rule"), 16)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open rule sequence: %w", err)
	}
	return &Store{db: db, ruleSeq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if s.ruleSeq != nil {
		_ = s.ruleSeq.Release()
	}
	return s.db.Close()
}

func ruleKey(id uint64) []byte {
	return []byte(fmt.Sprintf("rule:%012d", id))
}

// --- Jobs ---

// PutJob writes the job record.
func (s *Store) PutJob(ctx context.Context, job *Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := append(append([]byte{}, prefixJob...), job.ID...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// GetJob returns the job or (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	key := append(append([]byte{}, prefixJob...), id...)
	var out Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// UpdateJob applies fn to the stored record inside one transaction. Returns
// ErrNotFound when the job does not exist.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	key := append(append([]byte{}, prefixJob...), id...)
	var out Job
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteJob removes the job record. Deleting an absent job is a no-op.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	key := append(append([]byte{}, prefixJob...), id...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ListJobs scans every job record.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	var list []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixJob
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			list = append(list, &job)
		}
		return nil
	})
	return list, err
}

// ListActiveJobs returns jobs that are neither done nor cancelled.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*Job, error) {
	all, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, job := range all {
		if !job.Status.Terminal() {
			active = append(active, job)
		}
	}
	return active, nil
}

// DemoteInFlight rewrites any job left in an active stage by a previous
// process to ERROR with the stage recorded as last_status, so the recovery
// path picks it up on the next tick. Returns the ids that were demoted.
func (s *Store) DemoteInFlight(ctx context.Context) ([]string, error) {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	logger := log.WithComponent("store")
	var demoted []string
	for _, job := range jobs {
		if !job.Status.InFlight() {
			continue
		}
		stage := job.Status
		if _, err := s.UpdateJob(ctx, job.ID, func(j *Job) error {
			j.LastStatus = stage
			j.Status = StatusError
			j.Error = "process exited while stage was running"
			return nil
		}); err != nil {
			return demoted, err
		}
		logger.Warn().
			Str(log.FieldJobID, job.ID).
			Str(log.FieldStage, string(stage)).
			Msg("demoted stale in-flight job to error for recovery")
		demoted = append(demoted, job.ID)
	}
	return demoted, nil
}

// --- Auto rules ---

// PutRule inserts the rule, assigning an id when it has none.
func (s *Store) PutRule(ctx context.Context, rule *AutoRule) error {
	if rule.ID == 0 {
		next, err := s.ruleSeq.Next()
		if err != nil {
			return err
		}
		// Sequence starts at 0; rule ids are 1-based.
		rule.ID = next + 1
	}
	buf, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ruleKey(rule.ID), buf)
	})
}

// GetRule returns (nil, nil) when absent.
func (s *Store) GetRule(ctx context.Context, id uint64) (*AutoRule, error) {
	var out AutoRule
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ruleKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// UpdateRule applies fn inside one transaction.
func (s *Store) UpdateRule(ctx context.Context, id uint64, fn func(*AutoRule) error) (*AutoRule, error) {
	var out AutoRule
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(ruleKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		buf, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return txn.Set(ruleKey(id), buf)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRule removes the rule.
func (s *Store) DeleteRule(ctx context.Context, id uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(ruleKey(id))
	})
}

// ListRules scans rules in insertion order (ids are zero-padded).
func (s *Store) ListRules(ctx context.Context) ([]*AutoRule, error) {
	var list []*AutoRule
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRule
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rule AutoRule
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rule)
			}); err != nil {
				return err
			}
			list = append(list, &rule)
		}
		return nil
	})
	return list, err
}

// --- Pending chats ---

// PutPendingChat writes the crash marker for a running chat capture.
func (s *Store) PutPendingChat(ctx context.Context, rec *PendingChat) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := append(append([]byte{}, prefixChat...), rec.ID...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// GetPendingChat returns (nil, nil) when absent.
func (s *Store) GetPendingChat(ctx context.Context, id string) (*PendingChat, error) {
	key := append(append([]byte{}, prefixChat...), id...)
	var out PendingChat
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// DeletePendingChat removes the marker after a successful upload.
func (s *Store) DeletePendingChat(ctx context.Context, id string) error {
	key := append(append([]byte{}, prefixChat...), id...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// ListPendingChats scans every surviving chat marker.
func (s *Store) ListPendingChats(ctx context.Context) ([]*PendingChat, error) {
	var list []*PendingChat
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixChat
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec PendingChat
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			list = append(list, &rec)
		}
		return nil
	})
	return list, err
}
