// Package service holds the reservation engine: the only code that writes
// bookings or seat maps.  Every seat map change happens inside
// SeatMapStore.WithScreeningLock and every state change through
// BookingLedger.TransitionIfState, so the occupied seats of a screening are
// always exactly the seats of its PENDING and PAID bookings.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/screening-reservations/internal/clock"
	"github.com/iliyamo/screening-reservations/internal/model"
	"github.com/iliyamo/screening-reservations/internal/queue"
	"github.com/iliyamo/screening-reservations/internal/repository"
)

// DefaultHoldDuration is how long a PENDING booking keeps its seats.
const DefaultHoldDuration = 10 * time.Minute

// notifyTimeout bounds one event publish after a commit.
const notifyTimeout = 5 * time.Second

// ExpiryScheduler registers and neutralises the deferred expiry of a hold.
// Both calls must be idempotent.  Calls made with the context handed to a
// WithScreeningLock callback join that unit of work.
type ExpiryScheduler interface {
	ScheduleAfter(ctx context.Context, bookingID string, d time.Duration) error
	Cancel(ctx context.Context, bookingID string) error
}

// Notifier delivers booking events.  Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev queue.BookingEvent) error
}

// Requester identifies who asks for a user-scoped operation.  Operators
// may act on any booking.
type Requester struct {
	UserID   string
	Operator bool
}

// Engine coordinates the seat map, the ledger and the expiry scheduler.
type Engine struct {
	catalog  repository.ScreeningCatalog
	seats    repository.SeatMapStore
	ledger   repository.BookingLedger
	expiry   ExpiryScheduler
	notifier Notifier
	clock    clock.Clock
	log      logrus.FieldLogger
	hold     time.Duration
	newID    func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithHoldDuration sets how long a reservation stays PENDING.
func WithHoldDuration(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.hold = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) EngineOption { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) EngineOption { return func(e *Engine) { e.log = l } }

// WithIDGenerator overrides booking id generation.
func WithIDGenerator(f func() string) EngineOption { return func(e *Engine) { e.newID = f } }

// NewEngine wires an Engine.  A nil notifier drops events.
func NewEngine(catalog repository.ScreeningCatalog, seats repository.SeatMapStore, ledger repository.BookingLedger, expiry ExpiryScheduler, notifier Notifier, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog:  catalog,
		seats:    seats,
		ledger:   ledger,
		expiry:   expiry,
		notifier: notifier,
		clock:    clock.System{},
		log:      logrus.StandardLogger(),
		hold:     DefaultHoldDuration,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HoldDuration returns the configured hold length.
func (e *Engine) HoldDuration() time.Duration { return e.hold }

// Reserve creates a PENDING booking holding seatLabels and registers its
// expiry.  If any label is taken it returns a *repository.SeatUnavailableError
// naming the taken labels and nothing is written.
func (e *Engine) Reserve(ctx context.Context, screeningID, userID string, seatLabels []string) (*model.Booking, error) {
	labels, err := normaliseSeats(seatLabels)
	if err != nil {
		return nil, err
	}
	scr, err := e.catalog.GetScreening(ctx, screeningID)
	if err != nil {
		if errors.Is(err, repository.ErrScreeningNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrScreeningNotBookable, err)
		}
		return nil, err
	}
	now := e.clock.Now()
	if !scr.Bookable(now) {
		return nil, fmt.Errorf("%w: screening %s started at %s", ErrScreeningNotBookable, scr.ID, scr.StartsAt.Format(time.RFC3339))
	}

	amount := uint64(scr.PriceCents) * uint64(len(labels))
	if amount > math.MaxUint32 {
		return nil, fmt.Errorf("%w: total of %d seats exceeds the amount limit", ErrInvalidSeatSelection, len(labels))
	}
	b := &model.Booking{
		ID:          e.newID(),
		ScreeningID: screeningID,
		UserID:      userID,
		Seats:       labels,
		AmountCents: uint32(amount),
		State:       model.BookingPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = e.seats.WithScreeningLock(ctx, screeningID, func(ctx context.Context, seats *repository.SeatMap) error {
		if unknown := seats.Unknown(labels); len(unknown) > 0 {
			return fmt.Errorf("%w: unknown seats %s", ErrInvalidSeatSelection, strings.Join(unknown, ","))
		}
		if err := seats.Assign(b.ID, labels); err != nil {
			return err
		}
		if err := e.ledger.Create(ctx, b); err != nil {
			return err
		}
		return e.expiry.ScheduleAfter(ctx, b.ID, e.hold)
	})
	if err != nil {
		if errors.Is(err, repository.ErrScreeningNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrScreeningNotBookable, err)
		}
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"booking_id":   b.ID,
		"screening_id": screeningID,
		"user_id":      userID,
		"seats":        labels,
		"expires_at":   now.Add(e.hold),
	}).Info("engine: seats reserved")
	out := b.Clone()
	return &out, nil
}

// ConfirmPayment marks a PENDING booking PAID and drops its expiry.  If the
// hold lapsed or was cancelled first the call fails with
// ErrAlreadyFinalized; the expiry and the payment never both win.
func (e *Engine) ConfirmPayment(ctx context.Context, bookingID, paymentRef string) (*model.Booking, error) {
	cur, err := e.ledger.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if cur.State != model.BookingPending {
		return nil, fmt.Errorf("%w: booking is %s", ErrAlreadyFinalized, cur.State)
	}
	now := e.clock.Now()
	paid, err := e.ledger.TransitionIfState(ctx, bookingID, model.BookingPending, model.BookingPaid, func(b *model.Booking) {
		ref := paymentRef
		b.PaymentRef = &ref
		b.UpdatedAt = now
	})
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyFinalized, err)
		}
		return nil, err
	}
	entry := e.log.WithFields(logrus.Fields{"booking_id": bookingID, "payment_ref": paymentRef})
	if err := e.expiry.Cancel(ctx, bookingID); err != nil {
		// A surviving expiry finds the booking PAID and does nothing.
		entry.WithError(err).Warn("engine: cancel hold expiry failed")
	}
	entry.Info("engine: payment confirmed")
	e.emit(ctx, queue.BookingConfirmed, paid)
	return paid, nil
}

// Expire releases a booking whose hold lapsed.  It is called by the
// scheduler and is a no-op unless the booking is still PENDING.
func (e *Engine) Expire(ctx context.Context, bookingID string) error {
	cur, err := e.ledger.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			e.log.WithField("booking_id", bookingID).Warn("engine: expiry for unknown booking ignored")
			return nil
		}
		return err
	}
	if cur.State != model.BookingPending {
		return nil
	}
	released, err := e.release(ctx, cur, model.ReleaseExpired, false)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil
		}
		return err
	}
	e.log.WithFields(logrus.Fields{"booking_id": bookingID, "screening_id": cur.ScreeningID}).Info("engine: hold expired")
	e.emit(ctx, queue.HoldExpired, released)
	return nil
}

// Cancel releases a PENDING booking on behalf of req.  Customers may only
// cancel their own bookings.
func (e *Engine) Cancel(ctx context.Context, bookingID string, req Requester) (*model.Booking, error) {
	cur, err := e.ledger.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !req.Operator && cur.UserID != req.UserID {
		return nil, ErrForbidden
	}
	if cur.State != model.BookingPending {
		return nil, fmt.Errorf("%w: booking is %s", ErrAlreadyFinalized, cur.State)
	}
	released, err := e.release(ctx, cur, model.ReleaseCancelled, true)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, fmt.Errorf("%w: %w", ErrAlreadyFinalized, err)
		}
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"booking_id":   bookingID,
		"screening_id": cur.ScreeningID,
		"by":           req.UserID,
		"operator":     req.Operator,
	}).Info("engine: booking cancelled")
	e.emit(ctx, queue.BookingCancelled, released)
	return released, nil
}

// release moves b from PENDING to RELEASED and frees the seats that still
// point at it, in one unit of work under the screening lock.
func (e *Engine) release(ctx context.Context, b *model.Booking, reason model.ReleaseReason, dropExpiry bool) (*model.Booking, error) {
	var out *model.Booking
	now := e.clock.Now()
	err := e.seats.WithScreeningLock(ctx, b.ScreeningID, func(ctx context.Context, seats *repository.SeatMap) error {
		updated, err := e.ledger.TransitionIfState(ctx, b.ID, model.BookingPending, model.BookingReleased, func(nb *model.Booking) {
			nb.ReleaseReason = reason
			nb.UpdatedAt = now
		})
		if err != nil {
			return err
		}
		freed := seats.ReleaseHeldBy(b.ID, updated.Seats)
		if len(freed) != len(updated.Seats) {
			e.log.WithFields(logrus.Fields{
				"booking_id": b.ID,
				"seats":      updated.Seats,
				"freed":      freed,
			}).Warn("engine: released booking did not hold all its seats")
		}
		if dropExpiry {
			if err := e.expiry.Cancel(ctx, b.ID); err != nil {
				return err
			}
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// emit publishes after commit.  Failures are logged and never undo the
// decision that produced the event.
func (e *Engine) emit(ctx context.Context, t queue.EventType, b *model.Booking) {
	if e.notifier == nil || b == nil {
		return
	}
	ev := queue.NewBookingEvent(t, *b, e.clock.Now())
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.notifier.Notify(nctx, ev); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"event": t, "booking_id": b.ID}).Warn("engine: notification failed")
	}
}

// normaliseSeats trims labels and rejects empty, overlong or repeated ones.  Request
// order is preserved.
func normaliseSeats(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no seats requested", ErrInvalidSeatSelection)
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		l := strings.TrimSpace(raw)
		if l == "" {
			return nil, fmt.Errorf("%w: empty seat label", ErrInvalidSeatSelection)
		}
		if utf8.RuneCountInString(l) > model.MaxSeatLabelLen {
			return nil, fmt.Errorf("%w: seat label %q longer than %d characters", ErrInvalidSeatSelection, l, model.MaxSeatLabelLen)
		}
		if _, dup := seen[l]; dup {
			return nil, fmt.Errorf("%w: seat %s requested twice", ErrInvalidSeatSelection, l)
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out, nil
}

// HandleHoldExpiry is the scheduler handler for model.TaskHoldExpiry
// tasks; the task key is the booking id.
func (e *Engine) HandleHoldExpiry(ctx context.Context, t model.Task) error {
	return e.Expire(ctx, t.Key)
}
