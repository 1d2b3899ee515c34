package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLoggerRoundTrip(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()

	err := l.Log(ctx, &Entry{
		Subject:   "ord_abc",
		ActorType: "user",
		ActorID:   "buyer-1",
		Operation: "escrow.purchase",
		Amount:    "100.00",
	})
	require.NoError(t, err)

	entries, err := l.Query(ctx, "ord_abc", time.Time{}, time.Now().Add(time.Minute), "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "escrow.purchase", entries[0].Operation)
	assert.Equal(t, "buyer-1", entries[0].ActorID)
	assert.NotZero(t, entries[0].ID)
}

func TestMemoryLoggerFiltersByOperation(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()

	require.NoError(t, l.Log(ctx, &Entry{Subject: "ord_1", Operation: "escrow.purchase"}))
	require.NoError(t, l.Log(ctx, &Entry{Subject: "ord_1", Operation: "escrow.release"}))
	require.NoError(t, l.Log(ctx, &Entry{Subject: "ord_2", Operation: "escrow.purchase"}))

	entries, err := l.Query(ctx, "ord_1", time.Time{}, time.Now().Add(time.Minute), "escrow.release", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "escrow.release", entries[0].Operation)
}

func TestRecordFillsActorFromContext(t *testing.T) {
	l := NewMemoryLogger()
	ctx := WithActor(context.Background(), "admin", "admin-9")
	ctx = WithRequestID(ctx, "req-42")

	require.NoError(t, Record(ctx, l, &Entry{Subject: "ord_x", Operation: "dispute.resolve"}))

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "admin", entries[0].ActorType)
	assert.Equal(t, "admin-9", entries[0].ActorID)
	assert.Equal(t, "req-42", entries[0].RequestID)
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	l := NewMemoryLogger()

	require.NoError(t, Record(context.Background(), l, &Entry{Subject: "ord_y", Operation: "escrow.auto_complete"}))

	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "system", entries[0].ActorType)
}

func TestRecordNilLoggerIsNoop(t *testing.T) {
	assert.NoError(t, Record(context.Background(), nil, &Entry{Subject: "ord_z"}))
}
