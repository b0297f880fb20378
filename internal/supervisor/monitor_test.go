package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "0m"},
		{-time.Minute, "0m"},
		{59 * time.Second, "0m"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 3*time.Minute, "2h 3m"},
		{26*time.Hour + 3*time.Minute, "1d 2h 3m"},
		{48 * time.Hour, "2d"},
		{24*time.Hour + 7*time.Minute, "1d 7m"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, formatUptime(c.in), "duration %s", c.in)
	}
}

type scriptedSampler struct {
	mu      sync.Mutex
	results []error
}

func (s *scriptedSampler) Sample(context.Context, int) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return Sample{CPU: 1}, nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return Sample{CPU: 1}, err
}

func TestMonitor_ReportsFailuresAndContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := &scriptedSampler{results: []error{errors.New("no /proc")}}
	applied := make(chan Sample, 8)
	failed := make(chan error, 8)
	done := make(chan struct{})
	go func() {
		monitor(ctx, 5*time.Millisecond, 42, sampler,
			func(s Sample) {
				select {
				case applied <- s:
				default:
				}
			},
			func(err error) { failed <- err })
		close(done)
	}()

	select {
	case err := <-failed:
		assert.EqualError(t, err, "no /proc")
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}
	select {
	case s := <-applied:
		assert.InDelta(t, 1.0, s.CPU, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample applied after failure")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestHostSampler(t *testing.T) {
	s, err := HostSampler{}.Sample(context.Background(), 0)
	require.NoError(t, err)
	assert.Positive(t, s.MemTotalMB)
	assert.LessOrEqual(t, s.MemUsedMB, s.MemTotalMB)
	assert.GreaterOrEqual(t, s.CPU, 0.0)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateStopped, StateStarting))
	assert.True(t, CanTransition(StateRunning, StateStopping))
	assert.True(t, CanTransition(StateStopping, StateCrashed))
	assert.True(t, CanTransition(StateCrashed, StateStopped))

	assert.False(t, CanTransition(StateStopped, StateRunning))
	assert.False(t, CanTransition(StateCrashed, StateRunning))
	assert.False(t, CanTransition(StateStopping, StateRunning))

	assert.Len(t, stateNames(), len(States))
}
