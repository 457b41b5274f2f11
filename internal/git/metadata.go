package git

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"cibot.dev/cibot/internal/engine"
)

// MetadataRefPrefix is where pull request metadata blobs live in a repository
const MetadataRefPrefix = "refs/cibot/pr/"

// RefMetadataStore keeps pull request metadata as JSON blobs referenced from
// refs/cibot/pr/<pr>/<fromSha>/<toSha> inside the repository itself
type RefMetadataStore struct {
	graph *Graph
	// mu makes each read-modify-write atomic within the process
	mu sync.Mutex
}

// NewRefMetadataStore creates a store over the graph's repositories
func NewRefMetadataStore(graph *Graph) *RefMetadataStore {
	return &RefMetadataStore{graph: graph}
}

func metadataRefName(key engine.MetadataKey) plumbing.ReferenceName {
	return plumbing.ReferenceName(fmt.Sprintf("%s%d/%s/%s", MetadataRefPrefix, key.PullRequestID, key.FromSha, key.ToSha))
}

// GetOrCreate returns the row for key, writing a fresh one if none exists
func (s *RefMetadataStore) GetOrCreate(_ context.Context, key engine.MetadataKey) (engine.PullRequestMetadata, error) {
	repo, err := s.graph.Repository(key.RepoID)
	if err != nil {
		return engine.PullRequestMetadata{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, found, err := readMetadataRef(repo, metadataRefName(key))
	if err != nil {
		return engine.PullRequestMetadata{}, err
	}
	if found {
		row.MetadataKey = key
		return row, nil
	}
	row = engine.PullRequestMetadata{MetadataKey: key}
	if err := writeMetadataRef(repo, metadataRefName(key), row); err != nil {
		return engine.PullRequestMetadata{}, err
	}
	return row, nil
}

// ListByFromSha returns every row for the pull request with the given source commit
func (s *RefMetadataStore) ListByFromSha(_ context.Context, repoID string, prID int64, fromSha engine.CommitID) ([]engine.PullRequestMetadata, error) {
	repo, err := s.graph.Repository(repoID)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("%s%d/%s/", MetadataRefPrefix, prID, fromSha)

	s.mu.Lock()
	defer s.mu.Unlock()

	var names []plumbing.ReferenceName
	goGitMu.Lock()
	refs, err := repo.References()
	if err != nil {
		goGitMu.Unlock()
		return nil, fmt.Errorf("failed to get references: %w", err)
	}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if strings.HasPrefix(ref.Name().String(), prefix) {
			names = append(names, ref.Name())
		}
		return nil
	})
	goGitMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate references: %w", err)
	}

	rows := make([]engine.PullRequestMetadata, 0, len(names))
	for _, name := range names {
		row, found, err := readMetadataRef(repo, name)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		row.MetadataKey = engine.MetadataKey{
			RepoID:        repoID,
			PullRequestID: prID,
			FromSha:       fromSha,
			ToSha:         engine.CommitID(strings.TrimPrefix(name.String(), prefix)),
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Update applies a partial update to the row for key
func (s *RefMetadataStore) Update(_ context.Context, key engine.MetadataKey, update engine.MetadataUpdate) error {
	repo, err := s.graph.Repository(key.RepoID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := metadataRefName(key)
	row, _, err := readMetadataRef(repo, name)
	if err != nil {
		return err
	}
	row.MetadataKey = key
	return writeMetadataRef(repo, name, update.Apply(row))
}

func readMetadataRef(repo *Repository, name plumbing.ReferenceName) (engine.PullRequestMetadata, bool, error) {
	goGitMu.Lock()
	defer goGitMu.Unlock()

	ref, err := repo.Reference(name, false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return engine.PullRequestMetadata{}, false, nil
	}
	if err != nil {
		return engine.PullRequestMetadata{}, false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	blob, err := repo.BlobObject(ref.Hash())
	if err != nil {
		return engine.PullRequestMetadata{}, false, fmt.Errorf("failed to read metadata blob %s: %w", ref.Hash(), err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return engine.PullRequestMetadata{}, false, fmt.Errorf("failed to open metadata blob: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return engine.PullRequestMetadata{}, false, fmt.Errorf("failed to read metadata blob: %w", err)
	}

	var row engine.PullRequestMetadata
	if err := json.Unmarshal(content, &row); err != nil {
		return engine.PullRequestMetadata{}, false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return row, true, nil
}

func writeMetadataRef(repo *Repository, name plumbing.ReferenceName, row engine.PullRequestMetadata) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	goGitMu.Lock()
	defer goGitMu.Unlock()

	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return fmt.Errorf("failed to create metadata blob: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write metadata blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to write metadata blob: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return fmt.Errorf("failed to store metadata blob: %w", err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, hash)); err != nil {
		return fmt.Errorf("failed to write metadata ref %s: %w", name, err)
	}
	return nil
}
