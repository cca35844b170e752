// Package journal records every approved merge request as a commit in a
// per-resource git repository, one JSON file per entity.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"eidos/api/internal/store"
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is one approved merge request to journal.
type Entry struct {
	MergeRequestID string
	Title          string
	ReviewerID     string
	Changes        []store.AppliedChange
	At             time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EntityPath is the repository path an entity's state is stored under.
func EntityPath(entityType, entityID string) string {
	return path.Join("entities", sanitizeSegment(entityType), sanitizeSegment(entityID)+".json")
}

// Commit writes the applied states of entry and commits them on the
// resource's repository, creating the repository on first use.
func (s *Service) Commit(resourceID string, entry Entry) (CommitInfo, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(resourceID)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	for _, change := range entry.Changes {
		rel := EntityPath(change.EntityType, change.EntityID)
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if change.State == nil {
			if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
				continue
			}
			if _, err := worktree.Remove(rel); err != nil {
				return CommitInfo{}, fmt.Errorf("git rm %s: %w", rel, err)
			}
			continue
		}
		payload, err := json.MarshalIndent(change.State, "", "  ")
		if err != nil {
			return CommitInfo{}, fmt.Errorf("marshal %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return CommitInfo{}, fmt.Errorf("create entity dir: %w", err)
		}
		if err := os.WriteFile(abs, append(payload, '\n'), 0o644); err != nil {
			return CommitInfo{}, fmt.Errorf("write %s: %w", rel, err)
		}
		if _, err := worktree.Add(rel); err != nil {
			return CommitInfo{}, fmt.Errorf("git add %s: %w", rel, err)
		}
	}

	when := entry.At
	if when.IsZero() {
		when = time.Now()
	}
	hash, err := worktree.Commit(Message(entry.MergeRequestID, entry.Title), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  entry.ReviewerID,
			Email: fmt.Sprintf("%s@local.eidos.dev", sanitizeEmail(entry.ReviewerID)),
			When:  when,
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit merge request %s: %w", entry.MergeRequestID, err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Message is the commit message used for an applied merge request.
func Message(mergeRequestID, title string) string {
	return fmt.Sprintf("Apply merge request %s: %s", mergeRequestID, title)
}

// History lists the newest commits first. A resource without a journal has
// an empty history.
func (s *Service) History(resourceID string, limit int) ([]CommitInfo, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ReadEntity returns the journaled state of an entity at HEAD.
func (s *Service) ReadEntity(resourceID, entityType, entityID string) (json.RawMessage, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(EntityPath(entityType, entityID))
	if err != nil {
		return nil, fmt.Errorf("load entity from commit: %w", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read entity: %w", err)
	}
	return json.RawMessage(strings.TrimSpace(contents)), nil
}

func (s *Service) openOrInit(resourceID string) (*git.Repository, error) {
	repoPath := s.repoPath(resourceID)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(repoPath, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(resourceID string) string {
	return filepath.Join(s.baseDir, sanitizeSegment(resourceID))
}

func (s *Service) resourceLock(resourceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[resourceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[resourceID] = lock
	return lock
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

// sanitizeSegment keeps identifiers from escaping their directory.
func sanitizeSegment(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	segment := string(out)
	if segment == "" || strings.Trim(segment, ".") == "" {
		return "_"
	}
	return segment
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
