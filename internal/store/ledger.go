package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"cibot.dev/cibot/internal/engine"
)

const buildPrefix = "build/"

type buildRecord struct {
	State      string    `json:"state"`
	ReportedAt time.Time `json:"reportedAt"`
}

// BuildLedger records the latest state of every build reported for a commit,
// keyed by build/<repo>/<commit>/<kind>/<buildNumber>
type BuildLedger struct {
	db  *DB
	now func() time.Time
}

// NewBuildLedger creates a BuildLedger
func NewBuildLedger(db *DB) *BuildLedger {
	return &BuildLedger{db: db, now: time.Now}
}

func commitPrefix(repoID string, commit engine.CommitID) []byte {
	return fmt.Appendf(nil, "%s%s/%s/", buildPrefix, repoID, commit)
}

// RecordBuild stores the report's state, replacing earlier states of the same build
func (l *BuildLedger) RecordBuild(_ context.Context, report engine.BuildReport) error {
	key := fmt.Appendf(commitPrefix(report.RepoID, report.BuildHead), "%s/%d", report.Kind, report.BuildNumber)
	data, err := json.Marshal(buildRecord{State: report.State.String(), ReportedAt: l.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal build record: %w", err)
	}
	if err := l.db.update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("record build: %w", err)
	}
	return nil
}

// BuildSummary counts the builds recorded for a commit by their latest state
func (l *BuildLedger) BuildSummary(_ context.Context, repoID string, commit engine.CommitID) (engine.BuildSummary, error) {
	prefix := commitPrefix(repoID, commit)
	var summary engine.BuildSummary
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var rec buildRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode build record %s: %w", it.Item().Key(), err)
			}
			state, err := engine.ParseBuildState(rec.State)
			if err != nil {
				return err
			}
			switch state {
			case engine.BuildSuccessful:
				summary.Successful++
			case engine.BuildFailed:
				summary.Failed++
			case engine.BuildInProgress:
				summary.InProgress++
			}
		}
		return nil
	})
	if err != nil {
		return engine.BuildSummary{}, fmt.Errorf("build summary: %w", err)
	}
	return summary, nil
}
