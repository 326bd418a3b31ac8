package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/screening-reservations/internal/model"
)

// ScreeningRepo stores screenings and their seat maps in MySQL.  The
// screenings row doubles as the per-screening lock: WithScreeningLock
// takes it with SELECT ... FOR UPDATE, so two transactions for the same
// screening serialise while other screenings proceed.  Occupancy lives in
// screening_seats, one row per seat of the layout with a nullable
// booking_id.
type ScreeningRepo struct {
	db *sql.DB
}

// NewScreeningRepo returns a new ScreeningRepo bound to the given database.
func NewScreeningRepo(db *sql.DB) *ScreeningRepo { return &ScreeningRepo{db: db} }

// DB exposes the underlying sql.DB for health checks.
func (r *ScreeningRepo) DB() *sql.DB { return r.db }

// GetScreening returns the screening with its layout and occupancy.  It
// returns ErrScreeningNotFound if there is no matching row.
func (r *ScreeningRepo) GetScreening(ctx context.Context, id string) (*model.Screening, error) {
	q := conn(ctx, r.db)
	const sel = `SELECT id, catalog_item_id, starts_at, price_cents, created_at, updated_at FROM screenings WHERE id = ?`
	var s model.Screening
	err := q.QueryRowContext(ctx, sel, id).Scan(&s.ID, &s.CatalogItemID, &s.StartsAt, &s.PriceCents, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScreeningNotFound
		}
		return nil, storageErr("get screening", err)
	}
	labels, occ, err := r.loadSeats(ctx, q, id)
	if err != nil {
		return nil, err
	}
	s.SeatLabels, s.Occupancy = labels, occ
	return &s, nil
}

// ListStartingBetween returns screenings with from <= starts_at < to,
// ordered by start time, each with its occupancy loaded.
func (r *ScreeningRepo) ListStartingBetween(ctx context.Context, from, to time.Time) ([]model.Screening, error) {
	const q = `SELECT id, catalog_item_id, starts_at, price_cents, created_at, updated_at
               FROM screenings WHERE starts_at >= ? AND starts_at < ? ORDER BY starts_at`
	rows, err := r.db.QueryContext(ctx, q, from.UTC(), to.UTC())
	if err != nil {
		return nil, storageErr("list screenings", err)
	}
	defer rows.Close()
	list := make([]model.Screening, 0)
	for rows.Next() {
		var s model.Screening
		if err := rows.Scan(&s.ID, &s.CatalogItemID, &s.StartsAt, &s.PriceCents, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, storageErr("scan screening", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list screenings", err)
	}
	for i := range list {
		labels, occ, err := r.loadSeats(ctx, r.db, list[i].ID)
		if err != nil {
			return nil, err
		}
		list[i].SeatLabels, list[i].Occupancy = labels, occ
	}
	return list, nil
}

// Occupancy returns the current seat → booking map of a screening.
func (r *ScreeningRepo) Occupancy(ctx context.Context, screeningID string) (map[string]string, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM screenings WHERE id = ?`, screeningID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScreeningNotFound
		}
		return nil, storageErr("occupancy", err)
	}
	_, occ, err := r.loadSeats(ctx, r.db, screeningID)
	return occ, err
}

// WithScreeningLock implements SeatMapStore.  The callback runs inside one
// transaction; its context carries that transaction so BookingRepo and
// TaskRepo writes made with it are part of the same commit.
func (r *ScreeningRepo) WithScreeningLock(ctx context.Context, screeningID string, fn func(ctx context.Context, seats *SeatMap) error) error {
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
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM screenings WHERE id = ? FOR UPDATE`, screeningID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrScreeningNotFound
		}
		return storageErr("lock screening", err)
	}
	labels, occ, err := r.loadSeats(ctx, tx, screeningID)
	if err != nil {
		return err
	}
	seats := newSeatMap(screeningID, labels, occ)
	if err := fn(withTx(ctx, tx), seats); err != nil {
		return err
	}
	// Releases first so a label freed and re-assigned in the same section
	// goes NULL before it is claimed again.
	for _, c := range seats.Released() {
		const up = `UPDATE screening_seats SET booking_id = NULL WHERE screening_id = ? AND seat_label = ? AND booking_id = ?`
		if _, err := tx.ExecContext(ctx, up, screeningID, c.Label, c.BookingID); err != nil {
			return storageErr("release seat", err)
		}
	}
	for _, c := range seats.Assigned() {
		const up = `UPDATE screening_seats SET booking_id = ? WHERE screening_id = ? AND seat_label = ? AND booking_id IS NULL`
		res, err := tx.ExecContext(ctx, up, c.BookingID, screeningID, c.Label)
		if err != nil {
			return storageErr("assign seat", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr("assign seat", err)
		} else if n != 1 {
			return &SeatUnavailableError{Seats: []string{c.Label}}
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	committed = true
	return nil
}

// SaveScreening creates or updates a screening and reconciles its layout.
// New labels are added free; dropped labels are deleted unless a booking
// holds them, in which case ErrConflict is returned and nothing changes.
func (r *ScreeningRepo) SaveScreening(ctx context.Context, s model.Screening) error {
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
	const upsert = `INSERT INTO screenings (id, catalog_item_id, starts_at, price_cents) VALUES (?, ?, ?, ?)
                    ON DUPLICATE KEY UPDATE catalog_item_id = VALUES(catalog_item_id), starts_at = VALUES(starts_at), price_cents = VALUES(price_cents)`
	if _, err := tx.ExecContext(ctx, upsert, s.ID, s.CatalogItemID, s.StartsAt.UTC(), s.PriceCents); err != nil {
		return storageErr("upsert screening", err)
	}
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM screenings WHERE id = ? FOR UPDATE`, s.ID).Scan(&locked); err != nil {
		return storageErr("lock screening", err)
	}
	_, occ, err := r.loadSeats(ctx, tx, s.ID)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(s.SeatLabels))
	for _, l := range s.SeatLabels {
		keep[l] = struct{}{}
	}
	for l := range occ {
		if _, ok := keep[l]; !ok {
			return ErrConflict
		}
	}
	if len(s.SeatLabels) > 0 {
		placeholders := make([]string, 0, len(s.SeatLabels))
		args := make([]any, 0, len(s.SeatLabels)+1)
		args = append(args, s.ID)
		for _, l := range s.SeatLabels {
			placeholders = append(placeholders, "?")
			args = append(args, l)
		}
		del := `DELETE FROM screening_seats WHERE screening_id = ? AND booking_id IS NULL AND seat_label NOT IN (` + strings.Join(placeholders, ",") + `)`
		if _, err := tx.ExecContext(ctx, del, args...); err != nil {
			return storageErr("prune seats", err)
		}
		query := `INSERT INTO screening_seats (screening_id, seat_label, position) VALUES `
		ins := make([]any, 0, len(s.SeatLabels)*3)
		for i, l := range s.SeatLabels {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?)"
			ins = append(ins, s.ID, l, i)
		}
		query += ` ON DUPLICATE KEY UPDATE position = VALUES(position)`
		if _, err := tx.ExecContext(ctx, query, ins...); err != nil {
			return storageErr("insert seats", err)
		}
	} else if _, err := tx.ExecContext(ctx, `DELETE FROM screening_seats WHERE screening_id = ?`, s.ID); err != nil {
		return storageErr("prune seats", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	committed = true
	return nil
}

// loadSeats returns the layout in display order and the occupied subset.
func (r *ScreeningRepo) loadSeats(ctx context.Context, q querier, screeningID string) ([]string, map[string]string, error) {
	const sel = `SELECT seat_label, booking_id FROM screening_seats WHERE screening_id = ? ORDER BY position, seat_label`
	rows, err := q.QueryContext(ctx, sel, screeningID)
	if err != nil {
		return nil, nil, storageErr("load seats", err)
	}
	defer rows.Close()
	labels := make([]string, 0)
	occ := make(map[string]string)
	for rows.Next() {
		var label string
		var booking sql.NullString
		if err := rows.Scan(&label, &booking); err != nil {
			return nil, nil, storageErr("scan seat", err)
		}
		labels = append(labels, label)
		if booking.Valid {
			occ[label] = booking.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storageErr("load seats", err)
	}
	return labels, occ, nil
}
