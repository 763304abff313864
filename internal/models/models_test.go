package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTicketTypeOnSale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	tests := []struct {
		name  string
		start *time.Time
		end   *time.Time
		want  bool
	}{
		{"no window", nil, nil, true},
		{"inside window", &before, &after, true},
		{"not started", &after, nil, false},
		{"ended", nil, &before, false},
		{"ends exactly now", nil, &now, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tp := TicketType{SaleStartDate: tt.start, SaleEndDate: tt.end}
			assert.Equal(t, tt.want, tp.OnSale(now))
		})
	}
}

func TestTicketTypeAvailable(t *testing.T) {
	tp := TicketType{Capacity: 10, SoldCount: 3, ReservedCount: 4}
	assert.Equal(t, 3, tp.Available())
}

func TestDiscountCodeUsable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	limit := 2

	active := DiscountCode{IsActive: true, UsageLimit: &limit, UsedCount: 1}
	assert.True(t, active.Usable(now))
	assert.False(t, active.Exhausted())

	active.UsedCount = 2
	assert.True(t, active.Exhausted())

	inactive := DiscountCode{IsActive: false}
	assert.False(t, inactive.Usable(now))

	lapsed := DiscountCode{IsActive: true, ValidUntil: &past}
	assert.False(t, lapsed.Usable(now))

	unlimited := DiscountCode{IsActive: true, UsedCount: 1000}
	assert.False(t, unlimited.Exhausted())
}
