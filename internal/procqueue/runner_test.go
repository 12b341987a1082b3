package procqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConsumer captures the subjects it processed, in order.
type recordingConsumer struct {
	mu       sync.Mutex
	name     string
	category string
	err      error
	panicVal any
	subjects []string
}

func (c *recordingConsumer) Name() string     { return c.name }
func (c *recordingConsumer) Category() string { return c.category }

func (c *recordingConsumer) Process(_ context.Context, subjectID string) error {
	c.mu.Lock()
	c.subjects = append(c.subjects, subjectID)
	c.mu.Unlock()
	if c.panicVal != nil {
		panic(c.panicVal)
	}
	return c.err
}

func (c *recordingConsumer) processed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subjects...)
}

func newRunnerFixture(t *testing.T, repo *mockRepository, config RunnerConfig, consumers ...Consumer) *Runner {
	t.Helper()
	registry, err := NewRegistry(consumers...)
	require.NoError(t, err)
	return NewRunner(config, NewService(repo, registry), registry)
}

func queuedItem(subjectID, category string, consumerNames ...string) *WorkItem {
	item := &WorkItem{
		ID:        "item-" + subjectID,
		SubjectID: subjectID,
		Category:  category,
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range consumerNames {
		item.Trackers = append(item.Trackers, &Tracker{
			ID:           "tracker-" + subjectID + "-" + name,
			ItemID:       item.ID,
			ConsumerName: name,
			Status:       StatusPending,
		})
	}
	return item
}

func TestRunner_RunOnce_DispatchesAllTrackers(t *testing.T) {
	trend := &recordingConsumer{name: "trend", category: "price-updated"}
	anomaly := &recordingConsumer{name: "anomaly", category: "price-updated"}

	repo := newMockRepository()
	repo.batch = []*WorkItem{queuedItem("s1", "price-updated", "trend", "anomaly")}

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(), trend, anomaly)
	require.NoError(t, runner.RunOnce(context.Background()))

	assert.Equal(t, []string{"s1"}, trend.processed())
	assert.Equal(t, []string{"s1"}, anomaly.processed())
	assert.Len(t, repo.activeCalls, 2)
	assert.ElementsMatch(t,
		[]string{"tracker-s1-trend", "tracker-s1-anomaly"},
		repo.completeCalls,
	)
	assert.Empty(t, repo.failCalls)
	assert.Equal(t, 1, repo.lockAcquired)
	assert.Equal(t, 1, repo.lockReleased)
}

func TestRunner_RunOnce_FailureDoesNotAbortSiblings(t *testing.T) {
	trend := &recordingConsumer{name: "trend", category: "price-updated",
		err: errors.New("price source unavailable")}
	anomaly := &recordingConsumer{name: "anomaly", category: "price-updated"}

	repo := newMockRepository()
	repo.batch = []*WorkItem{queuedItem("s1", "price-updated", "trend", "anomaly")}

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(), trend, anomaly)
	require.NoError(t, runner.RunOnce(context.Background()))

	// The failing consumer is recorded on its own tracker while the
	// sibling still runs to completion.
	assert.Equal(t, "price source unavailable", repo.failCalls["tracker-s1-trend"])
	assert.Equal(t, []string{"tracker-s1-anomaly"}, repo.completeCalls)
	assert.Equal(t, []string{"s1"}, anomaly.processed())
}

func TestRunner_RunOnce_FailureDoesNotAbortBatch(t *testing.T) {
	trend := &recordingConsumer{name: "trend", category: "price-updated",
		err: errors.New("boom")}

	repo := newMockRepository()
	repo.batch = []*WorkItem{
		queuedItem("s1", "price-updated", "trend"),
		queuedItem("s2", "price-updated", "trend"),
	}

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(), trend)
	require.NoError(t, runner.RunOnce(context.Background()))

	assert.Equal(t, []string{"s1", "s2"}, trend.processed())
	assert.Len(t, repo.failCalls, 2)
}

func TestRunner_RunOnce_PanicRecordedAsFailure(t *testing.T) {
	trend := &recordingConsumer{name: "trend", category: "price-updated",
		panicVal: "nil map write"}

	repo := newMockRepository()
	repo.batch = []*WorkItem{queuedItem("s1", "price-updated", "trend")}

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(), trend)
	require.NoError(t, runner.RunOnce(context.Background()))

	assert.Equal(t, "consumer panic: nil map write", repo.failCalls["tracker-s1-trend"])
	assert.Empty(t, repo.completeCalls)
}

func TestRunner_RunOnce_UnregisteredConsumerFailsTracker(t *testing.T) {
	// The tracker references a consumer that is no longer registered,
	// e.g. after a deploy that removed it.
	repo := newMockRepository()
	repo.batch = []*WorkItem{queuedItem("s1", "price-updated", "retired")}

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(),
		okConsumer("price-updated", "trend"))
	require.NoError(t, runner.RunOnce(context.Background()))

	assert.Equal(t, "consumer not registered", repo.failCalls["tracker-s1-retired"])
	assert.Empty(t, repo.activeCalls)
}

func TestRunner_RunOnce_SkipsNonPendingTrackers(t *testing.T) {
	trend := &recordingConsumer{name: "trend", category: "price-updated"}
	anomaly := &recordingConsumer{name: "anomaly", category: "price-updated"}

	item := queuedItem("s1", "price-updated", "trend", "anomaly")
	item.Trackers[0].Status = StatusFailed

	repo := newMockRepository()
	repo.batch = []*WorkItem{item}

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(), trend, anomaly)
	require.NoError(t, runner.RunOnce(context.Background()))

	assert.Empty(t, trend.processed())
	assert.Equal(t, []string{"s1"}, anomaly.processed())
}

func TestRunner_RunOnce_LockBusySkipsPass(t *testing.T) {
	trend := &recordingConsumer{name: "trend", category: "price-updated"}

	repo := newMockRepository()
	repo.lockBusy = true
	repo.batch = []*WorkItem{queuedItem("s1", "price-updated", "trend")}

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(), trend)
	require.NoError(t, runner.RunOnce(context.Background()))

	// Another runner holds the lock: the pass is a clean no-op.
	assert.Zero(t, repo.nextBatchCalls)
	assert.Empty(t, trend.processed())
}

func TestRunner_RunOnce_LockReleasedOnBatchError(t *testing.T) {
	repo := newMockRepository()
	repo.nextBatchErr = errors.New("connection reset")

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(),
		okConsumer("price-updated", "trend"))
	err := runner.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, repo.lockReleased)
}

func TestRunner_RunOnce_ReclaimsStaleTrackers(t *testing.T) {
	repo := newMockRepository()
	repo.reclaimCount = 3

	config := DefaultRunnerConfig()
	config.RequeueActiveAfter = 15 * time.Minute

	runner := newRunnerFixture(t, repo, config, okConsumer("price-updated", "trend"))
	require.NoError(t, runner.RunOnce(context.Background()))

	assert.Equal(t, []time.Duration{15 * time.Minute}, repo.reclaimCalls)
}

func TestRunner_RunOnce_ReclaimDisabledByDefault(t *testing.T) {
	repo := newMockRepository()

	runner := newRunnerFixture(t, repo, DefaultRunnerConfig(),
		okConsumer("price-updated", "trend"))
	require.NoError(t, runner.RunOnce(context.Background()))

	assert.Empty(t, repo.reclaimCalls)
}

func TestRunner_StartStop(t *testing.T) {
	trend := &recordingConsumer{name: "trend", category: "price-updated"}

	repo := newMockRepository()
	repo.batch = []*WorkItem{queuedItem("s1", "price-updated", "trend")}

	config := DefaultRunnerConfig()
	config.PollInterval = 10 * time.Millisecond

	runner := newRunnerFixture(t, repo, config, trend)
	runner.Start(context.Background())

	assert.Eventually(t, func() bool {
		return len(trend.processed()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	runner.Stop()
}

func TestDefaultRunnerConfig(t *testing.T) {
	config := DefaultRunnerConfig()

	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, time.Minute, config.PollInterval)
	assert.Empty(t, config.Category)
	assert.Zero(t, config.RequeueActiveAfter)
}
