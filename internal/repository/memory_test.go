package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/screening-reservations/internal/model"
)

func seedScreening(t *testing.T, s *MemoryScreeningStore, id string, labels ...string) {
	t.Helper()
	require.NoError(t, s.SaveScreening(context.Background(), model.Screening{
		ID:            id,
		CatalogItemID: "movie-1",
		StartsAt:      time.Now().Add(24 * time.Hour),
		PriceCents:    900,
		SeatLabels:    labels,
	}))
}

func pendingBooking(id, screeningID string, seats ...string) *model.Booking {
	now := time.Now().UTC()
	return &model.Booking{ID: id, ScreeningID: screeningID, UserID: "u1", Seats: seats, State: model.BookingPending, CreatedAt: now, UpdatedAt: now}
}

func TestMemoryWithScreeningLockCommitsEverythingOnSuccess(t *testing.T) {
	ctx := context.Background()
	screens := NewMemoryScreeningStore()
	ledger := NewMemoryBookingLedger()
	tasks := NewMemoryTaskStore()
	seedScreening(t, screens, "s1", "A1", "A2")

	err := screens.WithScreeningLock(ctx, "s1", func(ctx context.Context, seats *SeatMap) error {
		if err := seats.Assign("b1", []string{"A1"}); err != nil {
			return err
		}
		if err := ledger.Create(ctx, pendingBooking("b1", "s1", "A1")); err != nil {
			return err
		}
		return tasks.Put(ctx, model.Task{ID: "hold_expiry:b1", Kind: model.TaskHoldExpiry, Key: "b1", DueAt: time.Now()})
	})
	require.NoError(t, err)

	occ, err := screens.Occupancy(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A1": "b1"}, occ)
	_, err = ledger.Get(ctx, "b1")
	assert.NoError(t, err)
	assert.Equal(t, 1, tasks.Len())
}

func TestMemoryWithScreeningLockRollsBackEverythingOnError(t *testing.T) {
	ctx := context.Background()
	screens := NewMemoryScreeningStore()
	ledger := NewMemoryBookingLedger()
	tasks := NewMemoryTaskStore()
	seedScreening(t, screens, "s1", "A1", "A2")
	boom := errors.New("boom")

	err := screens.WithScreeningLock(ctx, "s1", func(ctx context.Context, seats *SeatMap) error {
		require.NoError(t, seats.Assign("b1", []string{"A1"}))
		require.NoError(t, ledger.Create(ctx, pendingBooking("b1", "s1", "A1")))
		require.NoError(t, tasks.Put(ctx, model.Task{ID: "hold_expiry:b1", Kind: model.TaskHoldExpiry, Key: "b1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	occ, err := screens.Occupancy(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, occ)
	_, err = ledger.Get(ctx, "b1")
	assert.ErrorIs(t, err, ErrBookingNotFound)
	assert.Equal(t, 0, tasks.Len())
}

func TestMemoryWithScreeningLockUnknownScreening(t *testing.T) {
	screens := NewMemoryScreeningStore()
	called := false
	err := screens.WithScreeningLock(context.Background(), "nope", func(context.Context, *SeatMap) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrScreeningNotFound)
	assert.False(t, called)
}

func TestMemoryScreeningLocksAreIndependent(t *testing.T) {
	ctx := context.Background()
	screens := NewMemoryScreeningStore()
	seedScreening(t, screens, "s1", "A1")
	seedScreening(t, screens, "s2", "A1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = screens.WithScreeningLock(ctx, "s1", func(context.Context, *SeatMap) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		done <- screens.WithScreeningLock(ctx, "s2", func(_ context.Context, seats *SeatMap) error {
			return seats.Assign("b2", []string{"A1"})
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("s2 waited on the s1 lock")
	}
	close(release)
	wg.Wait()
}

func TestMemorySaveScreeningRefusesToDropOccupiedSeat(t *testing.T) {
	ctx := context.Background()
	screens := NewMemoryScreeningStore()
	seedScreening(t, screens, "s1", "A1", "A2")
	require.NoError(t, screens.WithScreeningLock(ctx, "s1", func(_ context.Context, seats *SeatMap) error {
		return seats.Assign("b1", []string{"A2"})
	}))

	err := screens.SaveScreening(ctx, model.Screening{ID: "s1", CatalogItemID: "movie-1", StartsAt: time.Now().Add(time.Hour), SeatLabels: []string{"A1"}})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, screens.SaveScreening(ctx, model.Screening{ID: "s1", CatalogItemID: "movie-2", StartsAt: time.Now().Add(time.Hour), SeatLabels: []string{"A2", "A3"}}))
	scr, err := screens.GetScreening(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "movie-2", scr.CatalogItemID)
	assert.Equal(t, []string{"A2", "A3"}, scr.SeatLabels)
	assert.Equal(t, map[string]string{"A2": "b1"}, scr.Occupancy)
}

func TestMemoryListStartingBetween(t *testing.T) {
	ctx := context.Background()
	screens := NewMemoryScreeningStore()
	base := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"early", "inside", "edge"} {
		require.NoError(t, screens.SaveScreening(ctx, model.Screening{ID: id, CatalogItemID: "m", StartsAt: base.Add(time.Duration(i) * time.Hour), SeatLabels: []string{"A1"}}))
	}
	list, err := screens.ListStartingBetween(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "inside", list[0].ID)
}

func TestMemoryLedgerTransitionIfState(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryBookingLedger()
	require.NoError(t, ledger.Create(ctx, pendingBooking("b1", "s1", "A1")))
	assert.ErrorIs(t, ledger.Create(ctx, pendingBooking("b1", "s1", "A1")), ErrConflict)

	ref := "pay-1"
	paid, err := ledger.TransitionIfState(ctx, "b1", model.BookingPending, model.BookingPaid, func(b *model.Booking) {
		b.PaymentRef = &ref
		b.Seats = []string{"Z9"} // seats are immutable
	})
	require.NoError(t, err)
	assert.Equal(t, model.BookingPaid, paid.State)
	assert.Equal(t, []string{"A1"}, paid.Seats)

	_, err = ledger.TransitionIfState(ctx, "b1", model.BookingPending, model.BookingReleased, nil)
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = ledger.TransitionIfState(ctx, "missing", model.BookingPending, model.BookingPaid, nil)
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestMemoryLedgerConcurrentTransitionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryBookingLedger()
	require.NoError(t, ledger.Create(ctx, pendingBooking("b1", "s1", "A1")))

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		to := model.BookingPaid
		if i%2 == 1 {
			to = model.BookingReleased
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.TransitionIfState(ctx, "b1", model.BookingPending, to, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryLedgerListOrdering(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryBookingLedger()
	first := pendingBooking("b1", "s1", "A1")
	second := pendingBooking("b2", "s1", "A2")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	other := pendingBooking("b3", "s2", "A1")
	other.UserID = "u2"
	for _, b := range []*model.Booking{second, first, other} {
		require.NoError(t, ledger.Create(ctx, b))
	}

	byScreening, err := ledger.ListByScreening(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, byScreening, 2)
	assert.Equal(t, "b1", byScreening[0].ID)

	byUser, err := ledger.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "b2", byUser[0].ID)
}

func TestMemoryTaskStoreClaimLeaseAndTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTaskStore()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, model.Task{ID: "a", Kind: model.TaskHoldExpiry, Key: "a", DueAt: now}))
	require.NoError(t, store.Put(ctx, model.Task{ID: "b", Kind: model.TaskHoldExpiry, Key: "b", DueAt: now.Add(time.Hour)}))

	claimed, err := store.ClaimDue(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "a", claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.NotEmpty(t, claimed[0].ClaimToken)

	again, err := store.ClaimDue(ctx, now.Add(10*time.Second), 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again, "leased task must stay invisible")

	relapsed, err := store.ClaimDue(ctx, now.Add(time.Minute), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, relapsed, 1)
	assert.Equal(t, 2, relapsed[0].Attempts)

	// The first claim is stale; completing with it must not delete the task.
	require.NoError(t, store.Complete(ctx, "a", claimed[0].ClaimToken))
	_, err = store.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, "a", relapsed[0].ClaimToken))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryTaskStorePutDuringRunSurvivesComplete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTaskStore()
	now := time.Now().UTC()
	require.NoError(t, store.Put(ctx, model.Task{ID: "r", Kind: model.TaskShowReminder, Key: "r", DueAt: now}))
	claimed, err := store.ClaimDue(ctx, now, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Put(ctx, model.Task{ID: "r", Kind: model.TaskShowReminder, Key: "r", DueAt: now.Add(time.Hour)}))
	require.NoError(t, store.Complete(ctx, "r", claimed[0].ClaimToken))

	got, err := store.Get(ctx, "r")
	require.NoError(t, err)
	assert.True(t, got.DueAt.Equal(now.Add(time.Hour)))
	assert.Equal(t, 0, got.Attempts)
}

func TestMemoryTaskStoreRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTaskStore()
	now := time.Now().UTC()
	require.NoError(t, store.Put(ctx, model.Task{ID: "x", Kind: model.TaskHoldExpiry, Key: "x", DueAt: now}))
	claimed, err := store.ClaimDue(ctx, now, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.Retry(ctx, "x", claimed[0].ClaimToken, now.Add(5*time.Second), "boom"))
	got, err := store.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.LastError)
	assert.Nil(t, got.LockedUntil)
	assert.Equal(t, 1, got.Attempts)

	later, err := store.ClaimDue(ctx, now.Add(5*time.Second), 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, later, 1)
}
