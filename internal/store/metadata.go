package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"cibot.dev/cibot/internal/engine"
)

const metadataPrefix = "prm/"

// MetadataStore keeps pull request metadata rows keyed by
// prm/<repo>/<pr>/<fromSha>/<toSha>
type MetadataStore struct {
	db *DB
}

// NewMetadataStore creates a MetadataStore
func NewMetadataStore(db *DB) *MetadataStore {
	return &MetadataStore{db: db}
}

func metadataKey(key engine.MetadataKey) []byte {
	return fmt.Appendf(nil, "%s%s/%d/%s/%s", metadataPrefix, key.RepoID, key.PullRequestID, key.FromSha, key.ToSha)
}

func fromShaPrefix(repoID string, prID int64, fromSha engine.CommitID) []byte {
	return fmt.Appendf(nil, "%s%s/%d/%s/", metadataPrefix, repoID, prID, fromSha)
}

func getRow(txn *badger.Txn, key engine.MetadataKey) (engine.PullRequestMetadata, bool, error) {
	item, err := txn.Get(metadataKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return engine.PullRequestMetadata{MetadataKey: key}, false, nil
	}
	if err != nil {
		return engine.PullRequestMetadata{}, false, err
	}
	var row engine.PullRequestMetadata
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	}); err != nil {
		return engine.PullRequestMetadata{}, false, fmt.Errorf("decode metadata %s: %w", item.Key(), err)
	}
	row.MetadataKey = key
	return row, true, nil
}

func putRow(txn *badger.Txn, row engine.PullRequestMetadata) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return txn.Set(metadataKey(row.MetadataKey), data)
}

// GetOrCreate returns the row for key, creating it with all flags false
func (s *MetadataStore) GetOrCreate(_ context.Context, key engine.MetadataKey) (engine.PullRequestMetadata, error) {
	var row engine.PullRequestMetadata
	err := s.db.update(func(txn *badger.Txn) error {
		var found bool
		var err error
		row, found, err = getRow(txn, key)
		if err != nil || found {
			return err
		}
		return putRow(txn, row)
	})
	if err != nil {
		return engine.PullRequestMetadata{}, fmt.Errorf("get or create metadata: %w", err)
	}
	return row, nil
}

// ListByFromSha returns every row for the pull request with the given source commit
func (s *MetadataStore) ListByFromSha(_ context.Context, repoID string, prID int64, fromSha engine.CommitID) ([]engine.PullRequestMetadata, error) {
	prefix := fromShaPrefix(repoID, prID, fromSha)
	var rows []engine.PullRequestMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var row engine.PullRequestMetadata
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("decode metadata %s: %w", item.Key(), err)
			}
			row.MetadataKey = engine.MetadataKey{
				RepoID:        repoID,
				PullRequestID: prID,
				FromSha:       fromSha,
				ToSha:         engine.CommitID(item.Key()[len(prefix):]),
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	return rows, nil
}

// Update applies a partial update in one transaction. Concurrent updates to
// different fields of a row are both kept; the same field is last-writer-wins.
func (s *MetadataStore) Update(_ context.Context, key engine.MetadataKey, update engine.MetadataUpdate) error {
	err := s.db.update(func(txn *badger.Txn) error {
		row, _, err := getRow(txn, key)
		if err != nil {
			return err
		}
		return putRow(txn, update.Apply(row))
	})
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}
