package storetest

import (
	"context"
	"testing"

	"ticket-service/internal/models"
	"ticket-service/internal/store"
	"ticket-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReleaseHoldUnderflowIsReported(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	previous := util.GetLogger()
	util.SetLogger(zap.New(core))
	t.Cleanup(func() { util.SetLogger(previous) })

	m := NewMemory()
	id := m.AddTicketType(models.TicketType{
		EventID:     1,
		Name:        "Gallery",
		Price:       decimal.NewFromInt(10),
		Capacity:    5,
		MinPerOrder: 1,
		MaxPerOrder: 5,
		IsActive:    true,
	})

	err := m.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.TryHold(ctx, id, 2); err != nil {
			return err
		}
		return tx.ReleaseHold(ctx, id, 3)
	})
	require.NoError(t, err)

	tt, err := m.GetTicketType(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, tt.ReservedCount)
	assert.Equal(t, 1, m.Underflows())

	entries := logs.FilterMessage("Reserved count underflow clamped to zero").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].ContextMap()["reserved_count"])
}

func TestReleaseHoldWithinHoldIsQuiet(t *testing.T) {
	m := NewMemory()
	id := m.AddTicketType(models.TicketType{Name: "Gallery", Capacity: 5, MinPerOrder: 1, MaxPerOrder: 5, IsActive: true})

	err := m.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.TryHold(ctx, id, 2); err != nil {
			return err
		}
		return tx.ReleaseHold(ctx, id, 2)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Underflows())
}
