package compile

import (
	"sync"
	"time"
)

// Store is the job record storage the orchestrator writes through.
type Store interface {
	Create(job Job)
	Get(id string) (Job, error)
	Complete(id, artifactPath, binaryURL string, messages []Message) (Job, error)
	Fail(id string, messages []Message) (Job, error)
}

var _ Store = (*MemStore)(nil)

// MemStore keeps job records in memory for the process lifetime. Records are
// copied on read so callers never observe a partial update.
type MemStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*Job)}
}

func (s *MemStore) Create(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
}

func (s *MemStore) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// Complete records the terminal success transition for a job.
func (s *MemStore) Complete(id, artifactPath, binaryURL string, messages []Message) (Job, error) {
	return s.finish(id, func(job *Job) {
		job.Status = StatusCompleted
		job.ArtifactPath = artifactPath
		job.BinaryURL = binaryURL
		job.Messages = messages
	})
}

// Fail records the terminal failure transition for a job. Artifact fields
// stay empty.
func (s *MemStore) Fail(id string, messages []Message) (Job, error) {
	return s.finish(id, func(job *Job) {
		job.Status = StatusFailed
		job.Messages = messages
	})
}

func (s *MemStore) finish(id string, fn func(job *Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	fn(job)
	now := time.Now().UTC()
	job.CompletedAt = &now
	return *job, nil
}
