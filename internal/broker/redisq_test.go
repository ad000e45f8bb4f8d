package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pagecraft/orchestrator/internal/domain/model"
)

func TestReadyScoreOrdering(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	t.Run("higher priority pops first", func(t *testing.T) {
		high := readyScore(9, now)
		low := readyScore(2, now)
		assert.Less(t, high, low)
	})

	t.Run("fifo within a priority band", func(t *testing.T) {
		first := readyScore(5, now)
		second := readyScore(5, now.Add(time.Second))
		assert.Less(t, first, second)
	})

	t.Run("band dominates arrival order", func(t *testing.T) {
		lateButUrgent := readyScore(10, now.Add(time.Hour))
		earlyButLow := readyScore(1, now)
		assert.Less(t, lateButUrgent, earlyButLow)
	})

	t.Run("out-of-range priorities clamp", func(t *testing.T) {
		assert.Equal(t, readyScore(10, now), readyScore(99, now))
		assert.Equal(t, readyScore(1, now), readyScore(-3, now))
	})
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "orch:q:content:ready", readyKey(model.QueueContent))
	assert.Equal(t, "orch:q:content:delayed", delayedKey(model.QueueContent))
	assert.Equal(t, "orch:q:content:leased", leasedKey(model.QueueContent))
	assert.Equal(t, "orch:q:content:item:abc", itemKey(model.QueueContent, "abc"))
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
