package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commitRecord struct {
	result []byte
	taskID int64
}

type fakeSource struct {
	mu         sync.Mutex
	queue      []*domain.TaskAssignment
	commits    []commitRecord
	requests   int
	requestErr error
	commitErr  error
}

func (s *fakeSource) push(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.queue = append(s.queue, &domain.TaskAssignment{
			TaskID: id,
			Script: "yfinance_worker",
			Args:   domain.FetchArgs{Symbol: "AAPL", Year: 2023},
		})
	}
}

func (s *fakeSource) RequestTask(ctx context.Context) (*domain.TaskAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if s.requestErr != nil {
		return nil, s.requestErr
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, nil
}

func (s *fakeSource) Commit(ctx context.Context, taskID int64, result []byte) (domain.CommitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, commitRecord{taskID: taskID, result: result})
	if s.commitErr != nil {
		return "", s.commitErr
	}
	return domain.CommitAcknowledged, nil
}

func (s *fakeSource) committed() []commitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commitRecord(nil), s.commits...)
}

type fakeFetcher struct {
	outputs map[int64][]byte
	errs    map[int64]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, a *domain.TaskAssignment) ([]byte, error) {
	if err := f.errs[a.TaskID]; err != nil {
		return nil, err
	}
	if out, ok := f.outputs[a.TaskID]; ok {
		return out, nil
	}
	return []byte(`[{"D":1,"C":1,"O":1,"H":1,"L":1,"V":1}]`), nil
}

func TestLoop_DrainProcessesUntilEmpty(t *testing.T) {
	source := &fakeSource{}
	source.push(1, 2, 3)
	loop := NewLoop(source, &fakeFetcher{}, zerolog.Nop())

	handled := loop.Drain(context.Background())

	assert.Equal(t, 3, handled)
	assert.Equal(t, int64(3), loop.Processed())
	assert.Equal(t, 4, source.requests)

	commits := source.committed()
	require.Len(t, commits, 3)
	for i, c := range commits {
		assert.Equal(t, int64(i+1), c.taskID)
	}
}

func TestLoop_FetchFailureCommitsFailureToken(t *testing.T) {
	source := &fakeSource{}
	source.push(1, 2)
	fetcher := &fakeFetcher{
		errs:    map[int64]error{1: errors.New("exit status 1")},
		outputs: map[int64][]byte{2: []byte("  \n")},
	}
	loop := NewLoop(source, fetcher, zerolog.Nop())

	loop.Drain(context.Background())

	commits := source.committed()
	require.Len(t, commits, 2)
	assert.True(t, domain.IsFailureToken(commits[0].result))
	assert.True(t, domain.IsFailureToken(commits[1].result))
}

func TestLoop_UnusableOutputCommitsFailureToken(t *testing.T) {
	source := &fakeSource{}
	source.push(1, 2, 3, 4)
	fetcher := &fakeFetcher{
		outputs: map[int64][]byte{
			1: []byte("Traceback (most recent call last):\n  File \"yfinance_worker.py\", line 12\nKeyError: 'Close'\n"),
			2: []byte(`{"error":"rate limited"}`),
			3: []byte(`[{"D":1,"C":1}]`),
			4: []byte(`"FAILED"`),
		},
	}
	loop := NewLoop(source, fetcher, zerolog.Nop())

	loop.Drain(context.Background())

	commits := source.committed()
	require.Len(t, commits, 4)
	for _, c := range commits {
		assert.Equal(t, `"FAILED"`, string(c.result), "task %d", c.taskID)
	}
}

func TestLoop_ValidOutputCommittedVerbatim(t *testing.T) {
	source := &fakeSource{}
	source.push(1)
	output := []byte(`[null,{"C":2,"O":1,"H":3,"L":0.5,"V":100,"Dividends":0}]`)
	loop := NewLoop(source, &fakeFetcher{outputs: map[int64][]byte{1: output}}, zerolog.Nop())

	loop.Drain(context.Background())

	commits := source.committed()
	require.Len(t, commits, 1)
	assert.Equal(t, output, commits[0].result)
}

func TestLoop_CommitErrorsDoNotStopDrain(t *testing.T) {
	source := &fakeSource{commitErr: domain.ErrTaskNotFound}
	source.push(1, 2)
	loop := NewLoop(source, &fakeFetcher{}, zerolog.Nop())

	assert.Equal(t, 2, loop.Drain(context.Background()))
}

func TestLoop_RequestErrorEndsDrain(t *testing.T) {
	source := &fakeSource{requestErr: errors.New("connection refused")}
	loop := NewLoop(source, &fakeFetcher{}, zerolog.Nop())

	assert.Equal(t, 0, loop.Drain(context.Background()))
	assert.Equal(t, 1, source.requests)
}

func TestLoop_WakeCoalesces(t *testing.T) {
	loop := NewLoop(&fakeSource{}, &fakeFetcher{}, zerolog.Nop())

	for i := 0; i < 50; i++ {
		loop.Wake()
	}

	assert.Len(t, loop.wake, 1)
}

func TestLoop_DrainIsSingleFlight(t *testing.T) {
	loop := NewLoop(&fakeSource{}, &fakeFetcher{}, zerolog.Nop())
	loop.draining.Store(true)

	assert.Equal(t, 0, loop.Drain(context.Background()))
}

func TestLoop_RunDrainsAtStartAndOnWake(t *testing.T) {
	source := &fakeSource{}
	source.push(1)
	loop := NewLoop(source, &fakeFetcher{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return loop.Processed() == 1 }, 2*time.Second, 10*time.Millisecond)

	source.push(2, 3)
	loop.Wake()
	require.Eventually(t, func() bool { return loop.Processed() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
