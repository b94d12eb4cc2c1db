package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAndParseReference(t *testing.T) {
	assert.Equal(t, "SPA-000011", FormatReference(11))
	assert.Equal(t, "SPA-123456", FormatReference(123456))

	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"SPA-000011", 11, true},
		{"spa-42", 42, true},
		{" 7 ", 7, true},
		{"SPA-", 0, false},
		{"SPA-abc", 0, false},
		{"0", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, ok := ParseReference(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+393331234567", NormalizePhone(" +39 333-123 4567 "))
	assert.Equal(t, "3331234567", NormalizePhone("(333) 123.4567"))
	assert.Equal(t, "", NormalizePhone("+"))
	assert.Equal(t, "", NormalizePhone("   "))
}

func TestNormalizeTime(t *testing.T) {
	for in, want := range map[string]string{"10:00": "10:00", "10:00:00": "10:00", "9:30": "09:30"} {
		got, err := NormalizeTime(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := NormalizeTime("ten")
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	require.Len(t, Catalog, 5)
	slot, ok := FindSlot("14:00")
	require.True(t, ok)
	assert.Equal(t, "16:00", slot.End)
	_, ok = FindSlot("11:00")
	assert.False(t, ok)
}

func TestNewAvailability(t *testing.T) {
	a := NewAvailability("2025-01-15", "10:00", 10)
	assert.True(t, a.Available)
	assert.Equal(t, 4, a.SpotsRemaining)
	assert.Equal(t, "12:00", a.EndTime)

	full := NewAvailability("2025-01-15", "10:00", 15)
	assert.False(t, full.Available)
	assert.Equal(t, 0, full.SpotsRemaining)
}

func TestBookingErrorIs(t *testing.T) {
	err := fmt.Errorf("book: %w", NewError(KindSlotFull, "fully booked"))

	assert.ErrorIs(t, err, ErrSlotFull)
	assert.False(t, errors.Is(err, ErrDuplicateBooking))
	assert.Equal(t, KindSlotFull, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))

	cause := errors.New("disk on fire")
	internal := InternalError(cause)
	assert.ErrorIs(t, internal, ErrInternal)
	assert.ErrorIs(t, internal, cause)
	assert.NotContains(t, internal.Error(), "disk")
}

func TestFailureResult(t *testing.T) {
	r := FailureResult(NewError(KindPastDate, "that date has passed"))
	assert.False(t, r.Success)
	assert.Equal(t, KindPastDate, r.Reason)

	r = FailureResult(errors.New("boom"))
	assert.Equal(t, KindInternal, r.Reason)
	assert.NotContains(t, r.Message, "boom")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.JSON()), &decoded))
	assert.Equal(t, false, decoded["success"])
}
