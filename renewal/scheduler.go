package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/L11R/gopiad/history"
	"github.com/L11R/gopiad/logging"
	"github.com/L11R/gopiad/metrics"
	"github.com/L11R/gopiad/pia"
	"github.com/L11R/gopiad/wgconf"
)

var errWrite = errors.New("write output")

type Directory interface {
	Refresh(ctx context.Context) (*pia.Catalog, error)
}

type Sink interface {
	Write(slot int, c *wgconf.Connection) error
}

type Recorder interface {
	Record(ctx context.Context, a history.Attempt) error
}

// Scheduler renews every slot whose interval has elapsed. Slots are gated
// individually and renewed one at a time in index order. A slot's gate
// starts at the beginning of the pass that attempted it.
type Scheduler struct {
	Directory Directory
	Renewer   *Renewer
	Sink      Sink
	// Ledger is optional.
	Ledger Recorder
	Logger *slog.Logger

	Interval  time.Duration
	LoopDelay time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	slots   []Slot
	catalog *pia.Catalog
}

// NewScheduler creates one slot per region, indexed from zero. catalog may
// be nil, in which case the first pass fetches it.
func NewScheduler(regions []string, catalog *pia.Catalog) *Scheduler {
	slots := make([]Slot, len(regions))
	for i, r := range regions {
		slots[i] = Slot{Index: i, Region: r}
	}
	return &Scheduler{slots: slots, catalog: catalog}
}

// Slots returns a copy of the current slot state.
func (s *Scheduler) Slots() []Slot {
	return append([]Slot(nil), s.slots...)
}

// Attempt is the outcome of one slot renewal within a pass.
type Attempt struct {
	Slot int
	Err  error
}

// Pass describes one scheduler pass.
type Pass struct {
	ID       string
	Attempts []Attempt
}

func (p Pass) Failed() int {
	n := 0
	for _, a := range p.Attempts {
		if a.Err != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "scheduler")
}

// Run ticks every LoopDelay until ctx is cancelled. A slot renewal that has
// started is allowed to finish; cancellation takes effect before the next
// slot or tick.
func (s *Scheduler) Run(ctx context.Context) error {
	delay := s.LoopDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	logger := s.logger()
	logger.Info("scheduler started", "slots", len(s.slots), "interval", s.Interval, "loop_delay", delay)

	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		if ctx.Err() == nil {
			s.Tick(ctx)
		}

		select {
		case <-ctx.Done():
			logger.Info("event loop interrupted, exiting")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs a pass if any slot is due and reports what it did. ok is false
// when nothing was due.
func (s *Scheduler) Tick(ctx context.Context) (pass Pass, ok bool) {
	now := s.now()
	var due []int
	for i, slot := range s.slots {
		if slot.Due(now, s.Interval) {
			due = append(due, i)
		}
	}
	if len(due) == 0 {
		return Pass{}, false
	}
	return s.pass(ctx, due), true
}

// RenewNow renews slot index immediately, ignoring its interval.
func (s *Scheduler) RenewNow(ctx context.Context, index int) error {
	if index < 0 || index >= len(s.slots) {
		return fmt.Errorf("slot %d out of range [0,%d)", index, len(s.slots))
	}
	pass := s.pass(ctx, []int{index})
	if len(pass.Attempts) == 0 {
		return ctx.Err()
	}
	return pass.Attempts[0].Err
}

func (s *Scheduler) pass(ctx context.Context, due []int) Pass {
	pass := Pass{ID: uuid.NewString()}
	start := s.now()
	logger := s.logger().With("pass", pass.ID)
	metrics.Passes.Inc()

	// In-flight work is not abandoned on cancellation; each HTTP call is
	// bounded by the client timeout instead.
	work := context.WithoutCancel(ctx)

	catalog, err := s.Directory.Refresh(work)
	if err != nil {
		metrics.DirectoryRefreshFailures.Inc()
		if s.catalog == nil {
			logger.Error("server list refresh failed, no cached list", "error", err)
		} else {
			logger.Warn("server list refresh failed, using cached list",
				"error", err, "fetched_at", s.catalog.FetchedAt)
		}
	} else {
		s.catalog = catalog
	}

	for _, i := range due {
		if ctx.Err() != nil {
			logger.Info("pass interrupted", "remaining_from_slot", i)
			break
		}
		err := s.renewSlot(work, logger, pass.ID, start, i)
		pass.Attempts = append(pass.Attempts, Attempt{Slot: i, Err: err})
	}

	logger.Info("pass finished", "attempted", len(pass.Attempts), "failed", pass.Failed())
	return pass
}

func (s *Scheduler) renewSlot(ctx context.Context, logger *slog.Logger, passID string, start time.Time, i int) error {
	slot := s.slots[i]
	logger = logger.With("slot", slot.Index, "region", slot.Region)
	label := strconv.Itoa(slot.Index)

	updated, conn, err := s.Renewer.Renew(ctx, slot, s.catalog)
	attemptedAt := updated.LastUpdate
	// Slots attempted in one pass fall due together.
	updated.LastUpdate = start
	s.slots[i] = updated

	if err == nil {
		logger.Info("writing wireguard config")
		if werr := s.Sink.Write(slot.Index, conn); werr != nil {
			err = fmt.Errorf("%w: %w", errWrite, werr)
		}
	}

	attempt := history.Attempt{
		PassID: passID,
		Slot:   slot.Index,
		Region: slot.Region,
		Result: history.ResultOK,
		Time:   attemptedAt,
	}
	if err != nil {
		attempt.Result = history.ResultFailed
		attempt.Error = err.Error()
		metrics.Renewals.WithLabelValues(label, history.ResultFailed).Inc()
		metrics.RenewalFailures.WithLabelValues(reason(err)).Inc()
		logger.Error("renewal failed", "error", err)
	} else {
		metrics.Renewals.WithLabelValues(label, history.ResultOK).Inc()
		metrics.LastSuccess.WithLabelValues(label).Set(float64(s.now().Unix()))
		logger.Info("renewal succeeded")
	}

	if s.Ledger != nil {
		if lerr := s.Ledger.Record(ctx, attempt); lerr != nil {
			logger.Warn("recording renewal failed", "error", lerr)
		}
	}
	return err
}

func reason(err error) string {
	switch {
	case errors.Is(err, pia.ErrDirectoryUnavailable):
		return "directory"
	case errors.Is(err, pia.ErrUnknownRegion):
		return "region"
	case errors.Is(err, pia.ErrAuthenticationFailed):
		return "auth"
	case errors.Is(err, pia.ErrKeyRegistrationFailed):
		return "addkey"
	case errors.Is(err, errWrite):
		return "write"
	default:
		return "keygen"
	}
}
