package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// BookingRepo is the MySQL BookingLedger.  Bookings live in the bookings
// table; their seat lists live in booking_seats keyed by position so the
// request order survives.  All timestamp fields are stored in UTC.  When
// the context carries a transaction from ScreeningRepo.WithScreeningLock the
// writes join it.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, screening_id, user_id, amount_cents, state, payment_ref, release_reason, created_at, updated_at`

// Create inserts the booking and its seats.  Outside a unit of work it
// opens its own transaction so the two inserts land together.
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
	if inTx(ctx) {
		return r.insert(ctx, conn(ctx, r.db), b)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := r.insert(ctx, tx, b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	committed = true
	return nil
}

func (r *BookingRepo) insert(ctx context.Context, q querier, b *model.Booking) error {
	const ins = `INSERT INTO bookings (` + bookingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, ins,
		b.ID, b.ScreeningID, b.UserID, b.AmountCents, string(b.State),
		nullString(b.PaymentRef), nullReason(b.ReleaseReason), b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	); err != nil {
		return storageErr("insert booking", err)
	}
	if len(b.Seats) == 0 {
		return nil
	}
	query := `INSERT INTO booking_seats (booking_id, position, seat_label) VALUES `
	args := make([]any, 0, len(b.Seats)*3)
	for i, label := range b.Seats {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?)"
		args = append(args, b.ID, i, label)
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return storageErr("insert booking seats", err)
	}
	return nil
}

// Get returns the booking with the given id or ErrBookingNotFound.
func (r *BookingRepo) Get(ctx context.Context, id string) (*model.Booking, error) {
	q := conn(ctx, r.db)
	b, err := scanBooking(q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, storageErr("get booking", err)
	}
	list := []model.Booking{*b}
	if err := r.attachSeats(ctx, q, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// ListByScreening returns every booking of a screening, oldest first.
func (r *BookingRepo) ListByScreening(ctx context.Context, screeningID string) ([]model.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE screening_id = ? ORDER BY created_at, id`, screeningID)
}

// ListByUser returns every booking of a user, newest first.
func (r *BookingRepo) ListByUser(ctx context.Context, userID string) ([]model.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
}

func (r *BookingRepo) list(ctx context.Context, query string, arg any) ([]model.Booking, error) {
	q := conn(ctx, r.db)
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, storageErr("list bookings", err)
	}
	defer rows.Close()
	out := make([]model.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, storageErr("scan booking", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list bookings", err)
	}
	if err := r.attachSeats(ctx, q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionIfState implements the ledger's compare-and-set.  The UPDATE
// repeats the state predicate, so a concurrent winner that committed
// between the read and the write leaves zero affected rows and the caller
// gets ErrStateConflict.
func (r *BookingRepo) TransitionIfState(ctx context.Context, id string, from, to model.BookingState, mutate func(*model.Booking)) (*model.Booking, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != from {
		return nil, ErrStateConflict
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.ScreeningID, next.UserID = cur.ID, cur.ScreeningID, cur.UserID
	next.State = to
	const up = `UPDATE bookings SET state = ?, payment_ref = ?, release_reason = ?, updated_at = ? WHERE id = ? AND state = ?`
	res, err := conn(ctx, r.db).ExecContext(ctx, up,
		string(to), nullString(next.PaymentRef), nullReason(next.ReleaseReason), next.UpdatedAt.UTC(), id, string(from),
	)
	if err != nil {
		return nil, storageErr("transition booking", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("transition booking", err)
	}
	if n == 0 {
		return nil, ErrStateConflict
	}
	return &next, nil
}

// attachSeats fills Seats for all bookings with one query.
func (r *BookingRepo) attachSeats(ctx context.Context, q querier, list []model.Booking) error {
	if len(list) == 0 {
		return nil
	}
	index := make(map[string]int, len(list))
	ids := make([]any, 0, len(list))
	placeholders := make([]string, 0, len(list))
	for i := range list {
		list[i].Seats = []string{}
		index[list[i].ID] = i
		ids = append(ids, list[i].ID)
		placeholders = append(placeholders, "?")
	}
	query := `SELECT booking_id, seat_label FROM booking_seats WHERE booking_id IN (` + strings.Join(placeholders, ",") + `) ORDER BY booking_id, position`
	rows, err := q.QueryContext(ctx, query, ids...)
	if err != nil {
		return storageErr("load booking seats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bid, label string
		if err := rows.Scan(&bid, &label); err != nil {
			return storageErr("scan booking seat", err)
		}
		if i, ok := index[bid]; ok {
			list[i].Seats = append(list[i].Seats, label)
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("load booking seats", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(s rowScanner) (*model.Booking, error) {
	var b model.Booking
	var state string
	var payRef, reason sql.NullString
	if err := s.Scan(&b.ID, &b.ScreeningID, &b.UserID, &b.AmountCents, &state, &payRef, &reason, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.State = model.BookingState(state)
	if payRef.Valid {
		ref := payRef.String
		b.PaymentRef = &ref
	}
	if reason.Valid {
		b.ReleaseReason = model.ReleaseReason(reason.String)
	}
	return &b, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullReason(r model.ReleaseReason) sql.NullString {
	if r == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}
