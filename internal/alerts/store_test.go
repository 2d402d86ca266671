package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vibranium/internal/model"
)

func TestRingBuffer(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		eq, sev := "a", "medium"
		if i%2 == 1 {
			eq, sev = "b", "high"
		}
		s.Add(model.Alert{Timestamp: base.Add(time.Duration(i) * time.Minute), EquipmentID: eq, Severity: sev})
	}
	assert.Equal(t, 3, s.Len())

	all := s.Query(Filter{})
	assert.Len(t, all, 3)
	assert.Equal(t, base.Add(2*time.Minute), all[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Minute), all[2].Timestamp)

	last := s.Query(Filter{Limit: 1})
	assert.Equal(t, base.Add(4*time.Minute), last[0].Timestamp)

	assert.Len(t, s.Query(Filter{Since: base.Add(3 * time.Minute)}), 2)
	assert.Len(t, s.Query(Filter{EquipmentID: "a"}), 2)
	assert.Len(t, s.Query(Filter{EquipmentID: "b"}), 1)
	assert.Len(t, s.Query(Filter{Severity: "high", EquipmentID: "a"}), 0)

	s.Clear()
	assert.Empty(t, s.Query(Filter{}))
	assert.Equal(t, 0, s.Len())
}

func TestPartialRing(t *testing.T) {
	s := NewStore(0)
	s.Add(model.Alert{EndpointID: "C8DF8434ADC0"})
	s.Add(model.Alert{EndpointID: "AABBCCDDEEFF"})
	got := s.Query(Filter{EndpointID: "AABBCCDDEEFF"})
	assert.Len(t, got, 1)
	assert.Equal(t, 2, s.Len())
}
