package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStore_GetSet(t *testing.T) {
	s := New()

	_, ok := s.Get(1)
	assert.False(t, ok)

	s.Set(1, "open")
	status, ok := s.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "open", status)

	s.Set(1, "closed")
	status, _ = s.Get(1)
	assert.Equal(t, "closed", status)
}

func TestStore_EmptyStatusIsKnown(t *testing.T) {
	s := New()
	s.Set(7, "")

	status, ok := s.Get(7)
	assert.True(t, ok)
	assert.Empty(t, status)
}

func TestStore_AdvanceWatermark(t *testing.T) {
	s := New()
	assert.Equal(t, int64(0), s.HighWatermark())

	s.AdvanceWatermark(5)
	assert.Equal(t, int64(5), s.HighWatermark())

	s.AdvanceWatermark(3)
	assert.Equal(t, int64(5), s.HighWatermark(), "lower id must not move the watermark back")

	s.AdvanceWatermark(5)
	assert.Equal(t, int64(5), s.HighWatermark())
}

func TestStore_Reset(t *testing.T) {
	s := New()
	s.Set(1, "open")
	s.AdvanceWatermark(1)

	s.Reset()

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.HighWatermark())
	_, ok := s.Get(1)
	assert.False(t, ok)
}
