package procqueue

import (
	"context"
	"sync"
	"time"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	mu sync.Mutex

	existing map[string]struct{} // subjectID + "|" + category

	insertBatches [][]*WorkItem
	insertErr     error
	// insertSkip subjects are counted as conflict-skipped by InsertItems.
	insertSkip map[string]struct{}

	batch          []*WorkItem
	nextBatchErr   error
	nextBatchCalls int

	activeCalls   []string
	activeErr     error
	completeCalls []string
	// completeDeletes marks tracker IDs whose completion deletes the item.
	completeDeletes map[string]bool
	failCalls       map[string]string

	reclaimCalls []time.Duration
	reclaimCount int64

	failedList  []*FailedTracker
	resetErr    error
	resetCalls  []string
	deleteErr   error
	deleteCalls []string

	statsResult *QueueStats

	lockBusy     bool
	lockErr      error
	lockAcquired int
	lockReleased int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		existing:        make(map[string]struct{}),
		insertSkip:      make(map[string]struct{}),
		completeDeletes: make(map[string]bool),
		failCalls:       make(map[string]string),
		statsResult:     &QueueStats{},
	}
}

func pairKey(subjectID, category string) string {
	return subjectID + "|" + category
}

func (m *mockRepository) ExistsForSubject(_ context.Context, subjectID, category string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.existing[pairKey(subjectID, category)]
	return ok, nil
}

func (m *mockRepository) FindExistingSubjects(_ context.Context, subjectIDs []string, category string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]struct{})
	for _, id := range subjectIDs {
		if _, ok := m.existing[pairKey(id, category)]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (m *mockRepository) InsertItems(_ context.Context, items []*WorkItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	batch := make([]*WorkItem, len(items))
	copy(batch, items)
	m.insertBatches = append(m.insertBatches, batch)

	inserted := 0
	for _, item := range items {
		if _, skip := m.insertSkip[item.SubjectID]; skip {
			continue
		}
		m.existing[pairKey(item.SubjectID, item.Category)] = struct{}{}
		inserted++
	}
	return inserted, nil
}

func (m *mockRepository) NextBatch(_ context.Context, _ int, _ string) ([]*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBatchCalls++
	return m.batch, m.nextBatchErr
}

func (m *mockRepository) MarkTrackerActive(_ context.Context, trackerID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeErr != nil {
		return m.activeErr
	}
	m.activeCalls = append(m.activeCalls, trackerID)
	return nil
}

func (m *mockRepository) CompleteTracker(_ context.Context, trackerID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls = append(m.completeCalls, trackerID)
	return m.completeDeletes[trackerID], nil
}

func (m *mockRepository) FailTracker(_ context.Context, trackerID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCalls[trackerID] = message
	return nil
}

func (m *mockRepository) ReclaimStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimCalls = append(m.reclaimCalls, olderThan)
	return m.reclaimCount, nil
}

func (m *mockRepository) ListFailedTrackers(_ context.Context, _ int) ([]*FailedTracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedList, nil
}

func (m *mockRepository) ResetTracker(_ context.Context, trackerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resetErr != nil {
		return m.resetErr
	}
	m.resetCalls = append(m.resetCalls, trackerID)
	return nil
}

func (m *mockRepository) DeleteTracker(_ context.Context, trackerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	m.deleteCalls = append(m.deleteCalls, trackerID)
	return false, nil
}

func (m *mockRepository) Stats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsResult, nil
}

func (m *mockRepository) AcquireRunnerLock(_ context.Context) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return nil, false, m.lockErr
	}
	if m.lockBusy {
		return nil, false, nil
	}
	m.lockAcquired++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.lockReleased++
	}, true, nil
}

// okConsumer returns a consumer that always succeeds.
func okConsumer(category, name string) Consumer {
	return NewConsumerFunc(category, name, func(context.Context, string) error {
		return nil
	})
}
