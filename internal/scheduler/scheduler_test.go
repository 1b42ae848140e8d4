package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_DeferRunsWithoutWaitingForATick(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	var ran atomic.Bool
	s.Defer(func() { ran.Store(true) })

	assert.Eventually(t, ran.Load, time.Second, 10*time.Millisecond)
}

func TestScheduler_EveryRunsRepeatedly(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	var count atomic.Int32
	_, err := s.Every(50*time.Millisecond, func() { count.Add(1) })
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 20*time.Millisecond)
}
