//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/calegria/stashline/internal/procqueue"
	queuepostgres "github.com/calegria/stashline/internal/procqueue/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// truncateQueue empties the queue tables between tests. Trackers go with
// their items through the cascade.
func truncateQueue(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`TRUNCATE queue_items, price_points, item_trends, price_alerts CASCADE`)
	require.NoError(t, err)
}

// newQueueService builds a queue service over the real repository with
// the given consumers registered.
func newQueueService(t *testing.T, consumers ...procqueue.Consumer) (*procqueue.Service, *procqueue.Registry) {
	t.Helper()
	registry, err := procqueue.NewRegistry(consumers...)
	require.NoError(t, err)
	return procqueue.NewService(queuepostgres.NewRepository(testDB), registry), registry
}

func newRunner(service *procqueue.Service, registry *procqueue.Registry) *procqueue.Runner {
	return procqueue.NewRunner(procqueue.DefaultRunnerConfig(), service, registry)
}

// noopConsumer always succeeds.
func noopConsumer(category, name string) procqueue.Consumer {
	return procqueue.NewConsumerFunc(category, name, func(context.Context, string) error {
		return nil
	})
}

// failingConsumer always fails with the given message.
func failingConsumer(category, name, message string) procqueue.Consumer {
	return procqueue.NewConsumerFunc(category, name, func(context.Context, string) error {
		return fmt.Errorf("%s", message)
	})
}

// countingConsumer succeeds and records how many times each subject was
// processed.
type countingConsumer struct {
	mu       sync.Mutex
	name     string
	category string
	counts   map[string]int
}

func newCountingConsumer(category, name string) *countingConsumer {
	return &countingConsumer{
		name:     name,
		category: category,
		counts:   make(map[string]int),
	}
}

func (c *countingConsumer) Name() string     { return c.name }
func (c *countingConsumer) Category() string { return c.category }

func (c *countingConsumer) Process(_ context.Context, subjectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[subjectID]++
	return nil
}

func (c *countingConsumer) count(subjectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[subjectID]
}

func newSubjectID() string {
	return uuid.NewString()
}

// countRows counts rows in a table matching an optional WHERE clause.
func countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	err := testDB.QueryRow(context.Background(), query, args...).Scan(&n)
	require.NoError(t, err)
	return n
}

// trackerStatuses returns consumer name to status for the item tracking
// the given subject and category.
func trackerStatuses(t *testing.T, subjectID, category string) map[string]string {
	t.Helper()
	rows, err := testDB.Query(context.Background(), `
		SELECT qt.consumer_name, qt.status
		FROM queue_trackers qt
		JOIN queue_items qi ON qi.id = qt.item_id
		WHERE qi.subject_id = $1 AND qi.category = $2`,
		subjectID, category,
	)
	require.NoError(t, err)
	defer rows.Close()

	statuses := make(map[string]string)
	for rows.Next() {
		var name, status string
		require.NoError(t, rows.Scan(&name, &status))
		statuses[name] = status
	}
	require.NoError(t, rows.Err())
	return statuses
}
