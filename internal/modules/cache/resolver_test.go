package cache

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/aristath/pricehub/internal/modules/history"
	"github.com/aristath/pricehub/internal/modules/tasks"
	testingpkg "github.com/aristath/pricehub/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2025-03-10 is day 69
var testNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	resolver *Resolver
	store    *history.Store
	queue    *tasks.Queue
	notifier *testingpkg.MockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	db, cleanup := testingpkg.NewTestDB(t, "syncer")
	t.Cleanup(cleanup)

	store := history.NewStore(history.Config{Dir: testingpkg.NewTestDataDir(t), MaxOpenTables: 3}, log)
	t.Cleanup(func() { _ = store.Close() })

	queue := tasks.NewQueue(db, tasks.Config{MaxRetries: 3, LeaseTimeout: time.Hour}, log)
	queue.SetClock(func() time.Time { return testNow })

	notifier := testingpkg.NewMockNotifier()
	resolver := NewResolver(store, queue, notifier, Config{Script: "yfinance_worker", Interval: "1d"}, log)
	resolver.SetClock(func() time.Time { return testNow })

	return &fixture{resolver: resolver, store: store, queue: queue, notifier: notifier}
}

func (f *fixture) activeTasks(t *testing.T) []domain.Task {
	t.Helper()
	list, err := f.queue.List(context.Background())
	require.NoError(t, err)
	return list
}

func TestPrepareData_MissingPastYearSchedules(t *testing.T) {
	f := newFixture(t)

	result, err := f.resolver.PrepareData(context.Background(), "AAPL", 2023)
	require.NoError(t, err)
	assert.True(t, result.Pending())
	assert.Equal(t, PendingMarker, result.Payload())

	active := f.activeTasks(t)
	require.Len(t, active, 1)
	assert.Equal(t, "AAPL", active[0].Symbol)
	assert.Equal(t, 2023, active[0].Year)
	assert.Equal(t, 0, active[0].Begin)
	assert.Equal(t, domain.TaskPending, active[0].State)
	assert.Equal(t, 1, f.notifier.Count())

	// A repeated request does not double-schedule but still wakes the worker
	result, err = f.resolver.PrepareData(context.Background(), "AAPL", 2023)
	require.NoError(t, err)
	assert.True(t, result.Pending())
	assert.Len(t, f.activeTasks(t), 1)
	assert.Equal(t, 2, f.notifier.Count())
}

func TestPrepareData_PastYearServesArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AppendRows(ctx, "AAPL", 2022, testingpkg.NewDayFixtures(10)))
	_, err := f.store.Archive(ctx, "AAPL", 2022)
	require.NoError(t, err)

	result, err := f.resolver.PrepareData(ctx, "AAPL", 2022)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArchive, result.Outcome)
	assert.Equal(t, 10, result.Blob.Filled())
	assert.Empty(t, f.activeTasks(t))
}

func TestPrepareData_PastYearConvertsLiveTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AppendRows(ctx, "MSFT", 2024, testingpkg.NewDayFixtures(30)))

	result, err := f.resolver.PrepareData(ctx, "MSFT", 2024)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverted, result.Outcome)
	assert.Equal(t, 30, result.Blob.Filled())
	assert.False(t, f.store.HasLive("MSFT", 2024))
	assert.True(t, f.store.HasArchive("MSFT", 2024))

	result, err = f.resolver.PrepareData(ctx, "MSFT", 2024)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArchive, result.Outcome)
}

func TestPrepareData_CurrentYearFreshnessBound(t *testing.T) {
	today := domain.DayOfYear(testNow)
	require.Equal(t, 69, today)

	t.Run("through yesterday is served", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.store.AppendRows(ctx, "AAPL", 2025, testingpkg.NewDayFixtures(today-1)))

		result, err := f.resolver.PrepareData(ctx, "AAPL", 2025)
		require.NoError(t, err)
		assert.Equal(t, OutcomeLive, result.Outcome)
		assert.Len(t, result.Blob, domain.DaySlots)
		assert.Equal(t, today-1, result.Blob.Filled())
		assert.Empty(t, f.activeTasks(t))
		assert.True(t, f.store.HasLive("AAPL", 2025))
		assert.False(t, f.store.HasArchive("AAPL", 2025))
	})

	t.Run("two days behind schedules from max day", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.store.AppendRows(ctx, "AAPL", 2025, testingpkg.NewDayFixtures(today-2)))

		result, err := f.resolver.PrepareData(ctx, "AAPL", 2025)
		require.NoError(t, err)
		assert.True(t, result.Pending())

		active := f.activeTasks(t)
		require.Len(t, active, 1)
		assert.Equal(t, today-2, active[0].Begin)
	})

	t.Run("no live table schedules from zero", func(t *testing.T) {
		f := newFixture(t)

		result, err := f.resolver.PrepareData(context.Background(), "AAPL", 2025)
		require.NoError(t, err)
		assert.True(t, result.Pending())

		active := f.activeTasks(t)
		require.Len(t, active, 1)
		assert.Equal(t, 0, active[0].Begin)
	})
}

func TestPrepareData_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.PrepareData(ctx, "AAPL", 2026)
	assert.ErrorIs(t, err, domain.ErrInvalidYear)

	_, err = f.resolver.PrepareData(ctx, "../AAPL", 2024)
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)

	assert.Empty(t, f.activeTasks(t))
}

func TestNextTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assignment, err := f.resolver.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, assignment)

	_, err = f.resolver.PrepareData(ctx, "2330.TW", 2024)
	require.NoError(t, err)

	assignment, err = f.resolver.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, "yfinance_worker", assignment.Script)
	assert.Equal(t, domain.FetchArgs{Symbol: "2330.TW", Year: 2024, Begin: 0, Interval: "1d"}, assignment.Args)

	assignment, err = f.resolver.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestCommit_PastYearIsArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.PrepareData(ctx, "AAPL", 2022)
	require.NoError(t, err)
	assignment, err := f.resolver.NextTask(ctx, "w")
	require.NoError(t, err)

	body := testingpkg.FetchOutput(testingpkg.NewDayFixtures(200))
	status, err := f.resolver.Commit(ctx, assignment.TaskID, body)
	require.NoError(t, err)
	assert.Equal(t, domain.CommitAcknowledged, status)

	blob, err := f.store.LoadArchive(ctx, "AAPL", 2022)
	require.NoError(t, err)
	assert.Equal(t, 200, blob.Filled())
	assert.Equal(t, domain.DaySlots-200, domain.DaySlots-blob.Filled())
	assert.False(t, f.store.HasLive("AAPL", 2022))
	assert.Empty(t, f.activeTasks(t))

	result, err := f.resolver.PrepareData(ctx, "AAPL", 2022)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArchive, result.Outcome)
}

func TestCommit_CurrentYearStaysLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.PrepareData(ctx, "AAPL", 2025)
	require.NoError(t, err)
	assignment, err := f.resolver.NextTask(ctx, "w")
	require.NoError(t, err)

	body := testingpkg.FetchOutput(testingpkg.NewDayFixtures(68))
	status, err := f.resolver.Commit(ctx, assignment.TaskID, body)
	require.NoError(t, err)
	assert.Equal(t, domain.CommitAcknowledged, status)

	assert.True(t, f.store.HasLive("AAPL", 2025))
	assert.False(t, f.store.HasArchive("AAPL", 2025))

	result, err := f.resolver.PrepareData(ctx, "AAPL", 2025)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLive, result.Outcome)
}

func TestCommit_EmptyPastYearWritesEmptyArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.PrepareData(ctx, "DELISTED", 1999)
	require.NoError(t, err)
	assignment, err := f.resolver.NextTask(ctx, "w")
	require.NoError(t, err)

	_, err = f.resolver.Commit(ctx, assignment.TaskID, []byte(`[]`))
	require.NoError(t, err)

	result, err := f.resolver.PrepareData(ctx, "DELISTED", 1999)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArchive, result.Outcome)
	assert.Equal(t, 0, result.Blob.Filled())
}

func TestCommit_FailureRetriesThenDrops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.PrepareData(ctx, "AAPL", 2023)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assignment, err := f.resolver.NextTask(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, assignment)

		status, err := f.resolver.Commit(ctx, assignment.TaskID, []byte(`"FAILED"`))
		require.NoError(t, err)
		assert.Equal(t, domain.CommitRetrying, status)
	}

	assignment, err := f.resolver.NextTask(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	status, err := f.resolver.Commit(ctx, assignment.TaskID, []byte("FAILED"))
	require.NoError(t, err)
	assert.Equal(t, domain.CommitAcknowledged, status)
	assert.Empty(t, f.activeTasks(t))

	result, err := f.resolver.PrepareData(ctx, "AAPL", 2023)
	require.NoError(t, err)
	assert.True(t, result.Pending())
	active := f.activeTasks(t)
	require.Len(t, active, 1)
	assert.Equal(t, 0, active[0].RetryCount)
}

func TestCommit_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Commit(ctx, 42, []byte(`[]`))
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	_, err = f.resolver.PrepareData(ctx, "AAPL", 2023)
	require.NoError(t, err)

	// Pending, not yet claimed
	active := f.activeTasks(t)
	_, err = f.resolver.Commit(ctx, active[0].ID, []byte(`[]`))
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	assignment, err := f.resolver.NextTask(ctx, "w")
	require.NoError(t, err)

	// Unusable output is a failed attempt, not a rejection
	status, err := f.resolver.Commit(ctx, assignment.TaskID, []byte(`{"not":"an array"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.CommitRetrying, status)

	task, err := f.queue.Get(ctx, assignment.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.State)
	assert.Equal(t, 1, task.RetryCount)
}

func TestCommit_UnusableOutputHonoursRetryBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.PrepareData(ctx, "AAPL", 2023)
	require.NoError(t, err)

	bodies := [][]byte{
		[]byte("Traceback (most recent call last):\n  KeyError: 'Close'"),
		[]byte(`[{"D":1,"C":1}]`),
		[]byte(`[{"D":400,"C":1,"O":1,"H":1,"L":1,"V":1}]`),
		[]byte(`{not json`),
	}
	expected := []domain.CommitStatus{
		domain.CommitRetrying,
		domain.CommitRetrying,
		domain.CommitRetrying,
		domain.CommitAcknowledged,
	}

	for i, body := range bodies {
		assignment, err := f.resolver.NextTask(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, assignment, "attempt %d", i+1)

		status, err := f.resolver.Commit(ctx, assignment.TaskID, body)
		require.NoError(t, err)
		assert.Equal(t, expected[i], status, "attempt %d", i+1)
	}

	assert.Empty(t, f.activeTasks(t))
	assert.False(t, f.store.HasLive("AAPL", 2023))

	assignment, err := f.resolver.NextTask(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AppendRows(ctx, "AAPL", 2023, testingpkg.NewDayFixtures(5)))
	require.NoError(t, f.store.AppendRows(ctx, "AAPL", 2024, testingpkg.NewDayFixtures(5)))
	require.NoError(t, f.store.AppendRows(ctx, "AAPL", 2025, testingpkg.NewDayFixtures(5)))

	archived, err := f.resolver.Rollover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	assert.True(t, f.store.HasArchive("AAPL", 2023))
	assert.True(t, f.store.HasArchive("AAPL", 2024))
	assert.True(t, f.store.HasLive("AAPL", 2025))
	assert.False(t, f.store.HasArchive("AAPL", 2025))

	archived, err = f.resolver.Rollover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, archived)
}

func TestWakeIfPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	woke, err := f.resolver.WakeIfPending(ctx)
	require.NoError(t, err)
	assert.False(t, woke)
	assert.Equal(t, 0, f.notifier.Count())

	_, err = f.queue.Enqueue(ctx, "AAPL", 2023, 0)
	require.NoError(t, err)

	woke, err = f.resolver.WakeIfPending(ctx)
	require.NoError(t, err)
	assert.True(t, woke)
	assert.Equal(t, 1, f.notifier.Count())
}
