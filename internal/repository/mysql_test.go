package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/screening-reservations/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func expectLockAndSeats(mock sqlmock.Sqlmock, screeningID string, seats *sqlmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT id FROM screenings WHERE id = ? FOR UPDATE`)).
		WithArgs(screeningID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(screeningID))
	mock.ExpectQuery(q(`SELECT seat_label, booking_id FROM screening_seats WHERE screening_id = ?`)).
		WithArgs(screeningID).
		WillReturnRows(seats)
}

func TestScreeningRepoReserveCommitsSeatsBookingAndTaskTogether(t *testing.T) {
	db, mock := newMock(t)
	screens, bookings, tasks := NewScreeningRepo(db), NewBookingRepo(db), NewTaskRepo(db)

	expectLockAndSeats(mock, "s1", sqlmock.NewRows([]string{"seat_label", "booking_id"}).
		AddRow("A1", nil).AddRow("A2", "b0"))
	mock.ExpectExec(q(`INSERT INTO bookings`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO booking_seats`)).
		WithArgs("b1", 0, "A1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO deferred_tasks`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`UPDATE screening_seats SET booking_id = ? WHERE screening_id = ? AND seat_label = ? AND booking_id IS NULL`)).
		WithArgs("b1", "s1", "A1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := screens.WithScreeningLock(context.Background(), "s1", func(ctx context.Context, seats *SeatMap) error {
		if err := seats.Assign("b1", []string{"A1"}); err != nil {
			return err
		}
		if err := bookings.Create(ctx, pendingBooking("b1", "s1", "A1")); err != nil {
			return err
		}
		return tasks.Put(ctx, model.Task{ID: "hold_expiry:b1", Kind: model.TaskHoldExpiry, Key: "b1", DueAt: time.Now()})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScreeningRepoLockRollsBackWhenCallbackFails(t *testing.T) {
	db, mock := newMock(t)
	screens := NewScreeningRepo(db)
	expectLockAndSeats(mock, "s1", sqlmock.NewRows([]string{"seat_label", "booking_id"}).AddRow("A1", "b0"))
	mock.ExpectRollback()

	err := screens.WithScreeningLock(context.Background(), "s1", func(_ context.Context, seats *SeatMap) error {
		return seats.Assign("b1", []string{"A1"})
	})
	var sue *SeatUnavailableError
	require.ErrorAs(t, err, &sue)
	assert.Equal(t, []string{"A1"}, sue.Seats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScreeningRepoLockDetectsLostSeatOnFlush(t *testing.T) {
	db, mock := newMock(t)
	screens := NewScreeningRepo(db)
	expectLockAndSeats(mock, "s1", sqlmock.NewRows([]string{"seat_label", "booking_id"}).AddRow("A1", nil))
	mock.ExpectExec(q(`UPDATE screening_seats SET booking_id = ?`)).
		WithArgs("b1", "s1", "A1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := screens.WithScreeningLock(context.Background(), "s1", func(_ context.Context, seats *SeatMap) error {
		return seats.Assign("b1", []string{"A1"})
	})
	var sue *SeatUnavailableError
	require.ErrorAs(t, err, &sue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScreeningRepoLockReleasesBeforeAssigning(t *testing.T) {
	db, mock := newMock(t)
	screens := NewScreeningRepo(db)
	expectLockAndSeats(mock, "s1", sqlmock.NewRows([]string{"seat_label", "booking_id"}).AddRow("A1", "b1").AddRow("A2", nil))
	mock.ExpectExec(q(`UPDATE screening_seats SET booking_id = NULL`)).
		WithArgs("s1", "A1", "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`UPDATE screening_seats SET booking_id = ?`)).
		WithArgs("b2", "s1", "A2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := screens.WithScreeningLock(context.Background(), "s1", func(_ context.Context, seats *SeatMap) error {
		seats.ReleaseHeldBy("b1", []string{"A1"})
		return seats.Assign("b2", []string{"A2"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScreeningRepoLockUnknownScreening(t *testing.T) {
	db, mock := newMock(t)
	screens := NewScreeningRepo(db)
	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT id FROM screenings WHERE id = ? FOR UPDATE`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := screens.WithScreeningLock(context.Background(), "nope", func(context.Context, *SeatMap) error { return nil })
	assert.ErrorIs(t, err, ErrScreeningNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScreeningRepoStorageFailureIsRetryable(t *testing.T) {
	db, mock := newMock(t)
	screens := NewScreeningRepo(db)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := screens.WithScreeningLock(context.Background(), "s1", func(context.Context, *SeatMap) error { return nil })
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScreeningRepoGetScreening(t *testing.T) {
	db, mock := newMock(t)
	screens := NewScreeningRepo(db)
	starts := time.Date(2030, 5, 1, 20, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q(`SELECT id, catalog_item_id, starts_at, price_cents, created_at, updated_at FROM screenings WHERE id = ?`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "catalog_item_id", "starts_at", "price_cents", "created_at", "updated_at"}).
			AddRow("s1", "movie-1", starts, 1200, starts, starts))
	mock.ExpectQuery(q(`SELECT seat_label, booking_id FROM screening_seats`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seat_label", "booking_id"}).AddRow("A1", nil).AddRow("A2", "b1"))

	scr, err := screens.GetScreening(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, uint32(1200), scr.PriceCents)
	assert.Equal(t, []string{"A1", "A2"}, scr.SeatLabels)
	assert.Equal(t, map[string]string{"A2": "b1"}, scr.Occupancy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScreeningRepoSaveRefusesToDropOccupiedSeat(t *testing.T) {
	db, mock := newMock(t)
	screens := NewScreeningRepo(db)
	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO screenings`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`SELECT id FROM screenings WHERE id = ? FOR UPDATE`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s1"))
	mock.ExpectQuery(q(`SELECT seat_label, booking_id FROM screening_seats`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"seat_label", "booking_id"}).AddRow("A1", nil).AddRow("A2", "b1"))
	mock.ExpectRollback()

	err := screens.SaveScreening(context.Background(), model.Screening{ID: "s1", CatalogItemID: "m", StartsAt: time.Now(), SeatLabels: []string{"A1"}})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var bookingCols = []string{"id", "screening_id", "user_id", "amount_cents", "state", "payment_ref", "release_reason", "created_at", "updated_at"}

func expectGetBooking(mock sqlmock.Sqlmock, id, state string) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q(`FROM bookings WHERE id = ?`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(bookingCols).AddRow(id, "s1", "u1", 1800, state, nil, nil, now, now))
	mock.ExpectQuery(q(`SELECT booking_id, seat_label FROM booking_seats WHERE booking_id IN (?)`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"booking_id", "seat_label"}).AddRow(id, "A2").AddRow(id, "A1"))
}

func TestBookingRepoGetKeepsSeatOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBookingRepo(db)
	expectGetBooking(mock, "b1", "PENDING")

	b, err := repo.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A2", "A1"}, b.Seats)
	assert.Equal(t, model.BookingPending, b.State)
	assert.Nil(t, b.PaymentRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepoGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBookingRepo(db)
	mock.ExpectQuery(q(`FROM bookings WHERE id = ?`)).WithArgs("nope").WillReturnRows(sqlmock.NewRows(bookingCols))

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestBookingRepoTransitionIfStateWritesWithStatePredicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBookingRepo(db)
	expectGetBooking(mock, "b1", "PENDING")
	mock.ExpectExec(q(`UPDATE bookings SET state = ?, payment_ref = ?, release_reason = ?, updated_at = ? WHERE id = ? AND state = ?`)).
		WithArgs("PAID", "pay-1", nil, sqlmock.AnyArg(), "b1", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ref := "pay-1"
	b, err := repo.TransitionIfState(context.Background(), "b1", model.BookingPending, model.BookingPaid, func(b *model.Booking) {
		b.PaymentRef = &ref
		b.UpdatedAt = time.Now()
	})
	require.NoError(t, err)
	assert.Equal(t, model.BookingPaid, b.State)
	require.NotNil(t, b.PaymentRef)
	assert.Equal(t, "pay-1", *b.PaymentRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepoTransitionLosesRace(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBookingRepo(db)
	expectGetBooking(mock, "b1", "PENDING")
	mock.ExpectExec(q(`UPDATE bookings SET state = ?`)).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := repo.TransitionIfState(context.Background(), "b1", model.BookingPending, model.BookingReleased, nil)
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepoTransitionFromWrongState(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBookingRepo(db)
	expectGetBooking(mock, "b1", "PAID")

	_, err := repo.TransitionIfState(context.Background(), "b1", model.BookingPending, model.BookingReleased, nil)
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepoCreateOutsideUnitUsesOwnTransaction(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBookingRepo(db)
	mock.ExpectBegin()
	mock.ExpectExec(q(`INSERT INTO bookings`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`INSERT INTO booking_seats`)).
		WithArgs("b1", 0, "A1", "b1", 1, "A2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), pendingBooking("b1", "s1", "A1", "A2")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

var taskCols = []string{"id", "kind", "task_key", "due_at", "payload", "attempts", "locked_until", "claim_token", "last_error", "created_at"}

func TestTaskRepoClaimDue(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTaskRepo(db)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := 30 * time.Second

	mock.ExpectBegin()
	mock.ExpectQuery(q(`SELECT id FROM deferred_tasks`)).
		WithArgs(now, now, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("hold_expiry:b1"))
	mock.ExpectExec(q(`UPDATE deferred_tasks SET attempts = attempts + 1, locked_until = ?, claim_token = ? WHERE id = ?`)).
		WithArgs(now.Add(lease), sqlmock.AnyArg(), "hold_expiry:b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q(`FROM deferred_tasks WHERE id IN (?)`)).
		WithArgs("hold_expiry:b1").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow("hold_expiry:b1", "hold_expiry", "b1", now, nil, 1, now.Add(lease), "tok", nil, now))
	mock.ExpectCommit()

	tasks, err := repo.ClaimDue(context.Background(), now, 10, lease)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskHoldExpiry, tasks[0].Kind)
	assert.Equal(t, "b1", tasks[0].Key)
	assert.Equal(t, "tok", tasks[0].ClaimToken)
	require.NotNil(t, tasks[0].LockedUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepoCompleteAndRetryCheckClaimToken(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTaskRepo(db)
	due := time.Date(2030, 1, 1, 0, 0, 5, 0, time.UTC)

	mock.ExpectExec(q(`DELETE FROM deferred_tasks WHERE id = ? AND claim_token = ?`)).
		WithArgs("t1", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`UPDATE deferred_tasks SET due_at = ?, locked_until = NULL, claim_token = NULL, last_error = ?`)).
		WithArgs(due, "boom", "t2", "tok2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Complete(context.Background(), "t1", "tok"))
	require.NoError(t, repo.Retry(context.Background(), "t2", "tok2", due, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskRepoGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTaskRepo(db)
	mock.ExpectQuery(q(`FROM deferred_tasks WHERE id = ?`)).WithArgs("x").WillReturnRows(sqlmock.NewRows(taskCols))

	_, err := repo.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStorageErrSeparatesRejectedValuesFromOutages(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		invalid bool
	}{
		{"data too long", &mysql.MySQLError{Number: 1406, Message: "Data too long for column 'seat_label'"}, true},
		{"null column", &mysql.MySQLError{Number: 1048, Message: "Column 'kind' cannot be null"}, true},
		{"out of range", &mysql.MySQLError{Number: 1264}, true},
		{"lock wait timeout", &mysql.MySQLError{Number: 1205}, false},
		{"connection", errors.New("driver: bad connection"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := storageErr("insert seats", tc.err)
			assert.Equal(t, tc.invalid, errors.Is(err, ErrInvalidData))
			assert.Equal(t, !tc.invalid, errors.Is(err, ErrStorageUnavailable))
			var me *mysql.MySQLError
			if tc.invalid {
				assert.ErrorAs(t, err, &me)
			}
		})
	}
	assert.NoError(t, storageErr("noop", nil))
}

func TestTaskRepoPutReportsRejectedValue(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q(`INSERT INTO deferred_tasks`)).
		WillReturnError(&mysql.MySQLError{Number: 1406, Message: "Data too long for column 'task_key'"})

	err := NewTaskRepo(db).Put(context.Background(), model.Task{ID: "hold_expiry:b1", Kind: model.TaskHoldExpiry, Key: "b1", DueAt: time.Now()})
	assert.ErrorIs(t, err, ErrInvalidData)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
