package api

import (
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/segformer/internal/labels"
)

type segmentationRecord struct {
	Result  SegmentationResponse
	Classes []int
	Palette *labels.Table
}

// ResultStore keeps the most recent segmentation results so their masks can
// be fetched after the request that produced them. The oldest record is
// evicted once the store is full.
type ResultStore struct {
	mu      sync.Mutex
	limit   int
	order   []string
	results map[string]*segmentationRecord
}

const defaultStoreLimit = 64

func NewResultStore(limit int) *ResultStore {
	if limit <= 0 {
		limit = defaultStoreLimit
	}
	return &ResultStore{
		limit:   limit,
		results: make(map[string]*segmentationRecord),
	}
}

func (s *ResultStore) Put(rec *segmentationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Result.ID
	if _, ok := s.results[id]; !ok {
		s.order = append(s.order, id)
	}
	s.results[id] = rec
	for len(s.order) > s.limit {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *ResultStore) Get(id string) (*segmentationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.results[id]
	return rec, ok
}

func (s *ResultStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func newSegmentationID() string {
	return "seg_" + uuid.NewString()
}
