package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/skillshare-booking/internal/config"
	"github.com/iliyamo/skillshare-booking/internal/database"
	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/queue"
	"github.com/iliyamo/skillshare-booking/internal/repository"
)

var (
	instructor = Actor{ID: "instructor-1", Role: model.RoleInstructor}
	quietLog   = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func testBookingConfig() config.BookingConfig {
	return config.BookingConfig{
		LockTimeout: 5 * time.Second,
		MaxAttempts: 5,
		BackoffBase: 2 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	}
}

type fixture struct {
	db       *database.DB
	sessions *repository.SessionRepo
	bookings *repository.BookingRepo
	ratings  *repository.RatingRepo
	coord    *Coordinator
	events   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Options{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "svc.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newFixtureFromDB(t, db)
}

// newFixtureFromDB migrates db and builds the repositories and
// coordinator on top of it.
func newFixtureFromDB(t *testing.T, db *database.DB) *fixture {
	t.Helper()
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{
		db:       db,
		sessions: repository.NewSessionRepo(db),
		bookings: repository.NewBookingRepo(db),
		ratings:  repository.NewRatingRepo(db),
		events:   &recordingPublisher{},
	}
	f.coord = NewCoordinator(db, f.sessions, f.bookings, testBookingConfig(), f.events, quietLog)
	return f
}

func (f *fixture) session(t *testing.T, capacity int, start time.Time, duration int) *model.Session {
	t.Helper()
	s := &model.Session{InstructorID: instructor.ID, TotalCapacity: capacity, EventStart: start, DurationMinutes: duration}
	if err := f.sessions.Create(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (f *fixture) book(t *testing.T, sessionID, learnerID string, seats int) *model.Booking {
	t.Helper()
	b, err := f.coord.CreateBooking(context.Background(), sessionID, learnerID, seats)
	if err != nil {
		t.Fatalf("create booking for %s: %v", learnerID, err)
	}
	return b
}

func (f *fixture) remaining(t *testing.T, sessionID string) int {
	t.Helper()
	s, err := f.sessions.GetByID(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s.CapacityRemaining
}

func (f *fixture) status(t *testing.T, bookingID string) model.BookingStatus {
	t.Helper()
	b, err := f.bookings.GetByID(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	return b.Status
}

// assertCapacityInvariant checks 0 <= remaining <= total and that the
// seats of accepted bookings account for exactly the consumed capacity.
func (f *fixture) assertCapacityInvariant(t *testing.T, sessionID string) {
	t.Helper()
	ctx := context.Background()
	s, err := f.sessions.GetByID(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if s.CapacityRemaining < 0 || s.CapacityRemaining > s.TotalCapacity {
		t.Fatalf("capacity_remaining %d outside [0, %d]", s.CapacityRemaining, s.TotalCapacity)
	}
	sum, err := f.bookings.SumAcceptedSeatsTx(ctx, f.db, sessionID)
	if err != nil {
		t.Fatalf("sum accepted: %v", err)
	}
	if sum != s.TotalCapacity-s.CapacityRemaining {
		t.Fatalf("accepted seats %d != total %d - remaining %d", sum, s.TotalCapacity, s.CapacityRemaining)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.BookingEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) snapshot() []queue.BookingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.BookingEvent(nil), p.events...)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func TestAcceptRaceNeverOverbooks(t *testing.T) {
	runAcceptRace(t, newFixture(t))
}

// runAcceptRace books five single-seat requests on a three-seat session
// and accepts them all at once.
func runAcceptRace(t *testing.T, f *fixture) {
	ctx := context.Background()
	s := f.session(t, 3, time.Now().Add(24*time.Hour), 60)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.book(t, s.ID, fmt.Sprintf("%s-learner-%d", s.ID, i), 1).ID)
	}

	var accepted, exhausted, busy, other int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := f.coord.Accept(ctx, id, instructor)
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case errors.Is(err, repository.ErrCapacityExceeded):
				atomic.AddInt32(&exhausted, 1)
			case IsBusy(err):
				atomic.AddInt32(&busy, 1)
			default:
				t.Logf("unexpected error for %s: %v", id, err)
				atomic.AddInt32(&other, 1)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if accepted > 3 || other != 0 {
		t.Fatalf("accepted=%d exhausted=%d busy=%d other=%d, want at most 3 accepted", accepted, exhausted, busy, other)
	}
	// Only lock contention giving up may leave a seat unsold.
	if busy == 0 && (accepted != 3 || exhausted != 2) {
		t.Fatalf("accepted=%d exhausted=%d, want 3/2", accepted, exhausted)
	}
	if got := f.remaining(t, s.ID); got != 3-int(accepted) {
		t.Errorf("capacity_remaining = %d, want %d", got, 3-accepted)
	}
	pending := 0
	for _, id := range ids {
		if f.status(t, id) == model.BookingPending {
			pending++
		}
	}
	if pending != len(ids)-int(accepted) {
		t.Errorf("%d bookings still pending, want %d", pending, len(ids)-int(accepted))
	}
	f.assertCapacityInvariant(t, s.ID)
}

func TestCancelRestoresCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 5, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 2)

	before := f.remaining(t, s.ID)
	if _, err := f.coord.Accept(ctx, b.ID, instructor); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := f.remaining(t, s.ID); got != before-2 {
		t.Fatalf("after accept remaining = %d, want %d", got, before-2)
	}
	got, err := f.coord.Cancel(ctx, b.ID, Actor{ID: "learner-1", Role: model.RoleLearner})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != model.BookingCanceled {
		t.Errorf("returned status = %s", got.Status)
	}
	if r := f.remaining(t, s.ID); r != before {
		t.Errorf("after cancel remaining = %d, want %d", r, before)
	}
	if _, err := f.coord.Cancel(ctx, b.ID, instructor); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel: got %v, want ErrInvalidState", err)
	}
	f.assertCapacityInvariant(t, s.ID)
}

func TestCancelPendingDoesNotTouchCapacity(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 2, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 1)
	if _, err := f.coord.Cancel(context.Background(), b.ID, instructor); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.remaining(t, s.ID); got != 2 {
		t.Errorf("remaining = %d, want 2", got)
	}
}

func TestConcurrentDuplicateCreate(t *testing.T) {
	runDuplicateCreate(t, newFixture(t))
}

// runDuplicateCreate has one learner request the same session from many
// goroutines at once.
func runDuplicateCreate(t *testing.T, f *fixture) {
	ctx := context.Background()
	s := f.session(t, 10, time.Now().Add(time.Hour), 60)
	learner := s.ID + "-learner-1"

	const n = 10
	var ok, dup, busy, other int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := f.coord.CreateBooking(ctx, s.ID, learner, 1)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, repository.ErrDuplicateBooking):
				atomic.AddInt32(&dup, 1)
			case IsBusy(err):
				atomic.AddInt32(&busy, 1)
			default:
				t.Logf("unexpected error: %v", err)
				atomic.AddInt32(&other, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok != 1 || ok+dup+busy != n || other != 0 {
		t.Fatalf("ok=%d dup=%d busy=%d other=%d, want exactly one booking", ok, dup, busy, other)
	}
	list, err := f.bookings.ListBySession(ctx, s.ID, nil)
	if err != nil || len(list) != 1 {
		t.Fatalf("session has %d bookings (%v), want 1", len(list), err)
	}
}

func TestAcceptOnDeclinedLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 3, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 1)

	declined, err := f.coord.Decline(ctx, b.ID, instructor, "session is for advanced learners")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.DeclineReason == nil {
		t.Error("decline reason not returned")
	}
	_, err = f.coord.Accept(ctx, b.ID, instructor)
	if !errors.Is(err, ErrInvalidState) || !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("accept declined: got %v, want ErrInvalidState", err)
	}
	if got := f.status(t, b.ID); got != model.BookingDeclined {
		t.Errorf("status = %s, want declined", got)
	}
	if got := f.remaining(t, s.ID); got != 3 {
		t.Errorf("remaining = %d, want 3", got)
	}
}

func TestDeclineAcceptedIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 3, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 1)
	if _, err := f.coord.Accept(ctx, b.ID, instructor); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.coord.Decline(ctx, b.ID, instructor, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("decline accepted: got %v", err)
	}
	if _, err := f.coord.Decline(ctx, "missing", instructor, ""); !errors.Is(err, repository.ErrBookingNotFound) {
		t.Fatalf("decline missing: got %v", err)
	}
}

func TestCreateBookingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 3, time.Now().Add(time.Hour), 60)

	if _, err := f.coord.CreateBooking(ctx, "missing", "learner-1", 1); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Errorf("unknown session: got %v", err)
	}
	if _, err := f.coord.CreateBooking(ctx, s.ID, "learner-1", 0); !errors.Is(err, repository.ErrInvalidSeats) {
		t.Errorf("zero seats: got %v", err)
	}
	if err := f.coord.CancelSession(ctx, s.ID, instructor); err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	if _, err := f.coord.CreateBooking(ctx, s.ID, "learner-1", 1); !errors.Is(err, repository.ErrSessionNotBookable) {
		t.Errorf("canceled session: got %v", err)
	}
}

func TestAcceptAfterSessionCanceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 3, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 1)
	if err := f.coord.CancelSession(ctx, s.ID, instructor); err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	if _, err := f.coord.Accept(ctx, b.ID, instructor); !errors.Is(err, repository.ErrSessionNotBookable) {
		t.Fatalf("accept on canceled session: got %v", err)
	}
	if got := f.status(t, b.ID); got != model.BookingPending {
		t.Errorf("status = %s, want pending", got)
	}
}

func TestCapacityInvariantUnderInterleavings(t *testing.T) {
	runInterleavings(t, newFixture(t))
}

// runInterleavings mixes creates, accepts and cancels from several
// learners on one small session, then checks the seat accounting.
func runInterleavings(t *testing.T, f *fixture) {
	ctx := context.Background()
	s := f.session(t, 4, time.Now().Add(time.Hour), 60)

	const workers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			<-start
			rng := rand.New(rand.NewPCG(uint64(w), 42))
			learner := fmt.Sprintf("%s-learner-%d", s.ID, w)
			for i := 0; i < 6; i++ {
				b, err := f.coord.CreateBooking(ctx, s.ID, learner, 1+rng.IntN(2))
				if err != nil {
					continue
				}
				if rng.IntN(4) == 0 {
					_, _ = f.coord.Cancel(ctx, b.ID, Actor{ID: learner, Role: model.RoleLearner})
					continue
				}
				if _, err := f.coord.Accept(ctx, b.ID, instructor); err != nil {
					_, _ = f.coord.Cancel(ctx, b.ID, Actor{ID: learner, Role: model.RoleLearner})
					continue
				}
				if rng.IntN(2) == 0 {
					_, _ = f.coord.Cancel(ctx, b.ID, Actor{ID: learner, Role: model.RoleLearner})
				}
			}
		}(w)
	}
	close(start)
	wg.Wait()
	f.assertCapacityInvariant(t, s.ID)
}

// failingBookings fails SetStatusTx after the real store has been reached,
// so a capacity reservation has already been made in the same transaction.
type failingBookings struct {
	*repository.BookingRepo
	err error
}

func (b failingBookings) SetStatusTx(context.Context, *sql.Tx, string, model.BookingStatus, *string, string, time.Time) error {
	return b.err
}

func TestAcceptRollsBackReservationWhenStatusWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 2, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 2)

	boom := errors.New("disk full")
	coord := NewCoordinator(f.db, f.sessions, failingBookings{BookingRepo: f.bookings, err: boom}, testBookingConfig(), nil, quietLog)
	if _, err := coord.Accept(ctx, b.ID, instructor); !errors.Is(err, boom) {
		t.Fatalf("accept: got %v, want injected error", err)
	}
	if got := f.remaining(t, s.ID); got != 2 {
		t.Errorf("reservation survived rollback: remaining = %d, want 2", got)
	}
	if got := f.status(t, b.ID); got != model.BookingPending {
		t.Errorf("status = %s, want pending", got)
	}
}

type failingRelease struct {
	*repository.SessionRepo
}

func (failingRelease) ReleaseTx(context.Context, *sql.Tx, string, int) error {
	return repository.ErrCapacityOverflow
}

func TestCancelAcceptedIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 3, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 1)
	if _, err := f.coord.Accept(ctx, b.ID, instructor); err != nil {
		t.Fatalf("accept: %v", err)
	}

	coord := NewCoordinator(f.db, failingRelease{f.sessions}, f.bookings, testBookingConfig(), nil, quietLog)
	if _, err := coord.Cancel(ctx, b.ID, instructor); !errors.Is(err, repository.ErrCapacityOverflow) {
		t.Fatalf("cancel: got %v", err)
	}
	if got := f.status(t, b.ID); got != model.BookingAccepted {
		t.Errorf("status = %s, want accepted", got)
	}
	if got := f.remaining(t, s.ID); got != 2 {
		t.Errorf("remaining = %d, want 2", got)
	}
	hist, _ := f.bookings.HistoryByBooking(ctx, b.ID)
	if len(hist) != 2 {
		t.Errorf("history has %d rows, want 2 (created, accepted)", len(hist))
	}
}

// cancelingBookings cancels the caller's context right before the status
// write, simulating a client that disconnects mid-transaction.
type cancelingBookings struct {
	*repository.BookingRepo
	cancel context.CancelFunc
}

func (b cancelingBookings) SetStatusTx(ctx context.Context, tx *sql.Tx, id string, to model.BookingStatus, reason *string, actorID string, now time.Time) error {
	b.cancel()
	return b.BookingRepo.SetStatusTx(ctx, tx, id, to, reason, actorID, now)
}

func TestCallerCancellationRollsBack(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 2, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord := NewCoordinator(f.db, f.sessions, cancelingBookings{BookingRepo: f.bookings, cancel: cancel}, testBookingConfig(), nil, quietLog)
	if _, err := coord.Accept(ctx, b.ID, instructor); err == nil {
		t.Fatal("accept succeeded after caller canceled")
	}
	if got := f.remaining(t, s.ID); got != 2 {
		t.Errorf("remaining = %d, want 2", got)
	}
	if got := f.status(t, b.ID); got != model.BookingPending {
		t.Errorf("status = %s, want pending", got)
	}
}

// stalledSessions never obtains the session lock within the deadline.
type stalledSessions struct {
	*repository.SessionRepo
	calls *int32
}

func (s stalledSessions) LockTx(ctx context.Context, _ *sql.Tx, _ string) error {
	atomic.AddInt32(s.calls, 1)
	<-ctx.Done()
	return ctx.Err()
}

func TestContendedCreateReturnsBusy(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, 2, time.Now().Add(time.Hour), 60)

	var calls int32
	cfg := testBookingConfig()
	cfg.LockTimeout = 30 * time.Millisecond
	cfg.MaxAttempts = 3
	coord := NewCoordinator(f.db, stalledSessions{SessionRepo: f.sessions, calls: &calls}, f.bookings, cfg, nil, quietLog)

	_, err := coord.CreateBooking(context.Background(), s.ID, "learner-1", 1)
	if !errors.Is(err, ErrBusy) || !IsBusy(err) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
	list, _ := f.bookings.ListBySession(context.Background(), s.ID, nil)
	if len(list) != 0 {
		t.Errorf("busy create left %d bookings", len(list))
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.session(t, 2, time.Now().Add(time.Hour), 60)
	b := f.book(t, s.ID, "learner-1", 1)
	if _, err := f.coord.Accept(ctx, b.ID, instructor); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// Rejected operations publish nothing.
	_, _ = f.coord.Decline(ctx, b.ID, instructor, "")

	f.events.setErr(errors.New("broker down"))
	if _, err := f.coord.Cancel(ctx, b.ID, instructor); err != nil {
		t.Fatalf("cancel must succeed when publishing fails: %v", err)
	}

	want := []string{queue.EventBookingCreated, queue.EventBookingAccepted, queue.EventBookingCanceled}
	got := f.events.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	last := f.events.snapshot()[2]
	if last.SeatsRemaining == nil || *last.SeatsRemaining != 2 {
		t.Errorf("cancel event seats_remaining = %v, want 2", last.SeatsRemaining)
	}
}
