package monitor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessions(t *testing.T) {
	s := NewSessions()
	assert.Equal(t, 1, s.Increment("a"))
	assert.Equal(t, 2, s.Increment("a"))
	assert.Equal(t, 1, s.Increment("b"))

	assert.True(t, s.BeginTraining("a"))
	assert.False(t, s.BeginTraining("a"))
	assert.True(t, s.Snapshot("a").Training)

	s.FinishTraining("a", errors.New("no rows"))
	snap := s.Snapshot("a")
	assert.False(t, snap.Training)
	assert.Zero(t, snap.Rows)
	assert.Equal(t, "no rows", snap.LastError)

	assert.True(t, s.BeginTraining("a"))
	s.FinishTraining("a", nil)
	assert.Empty(t, s.Snapshot("a").LastError)
	assert.False(t, s.Snapshot("a").LastTrained.IsZero())

	assert.Len(t, s.All(), 2)
	assert.Equal(t, TrainingSession{}, s.Snapshot("unknown"))
}
