package billing

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Scanner periodically finds records whose entitlement window is about to
// close and fans reminder notifications out to the notifier. It is a pure
// reader: it never mutates billing records, so it needs no tenant locks.
type Scanner struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	interval time.Duration
	window   time.Duration
	now      func() time.Time

	running atomic.Bool
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithScanInterval sets how often Run scans. Defaults to 24h.
func WithScanInterval(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithReminderWindow sets how far ahead of expiry a reminder goes out.
// Defaults to 7 days.
func WithReminderWindow(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithScannerLogger sets the scanner logger. Defaults to slog.Default().
func WithScannerLogger(l *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithScannerClock overrides the scanner clock for tests.
func WithScannerClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScanner creates an expiry scanner. Panics on nil store or notifier.
func NewScanner(store Store, notifier Notifier, opts ...ScannerOption) *Scanner {
	if store == nil {
		panic("billing: Store is required")
	}
	if notifier == nil {
		panic("billing: Notifier is required")
	}

	s := &Scanner{
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		interval: 24 * time.Hour,
		window:   7 * 24 * time.Hour,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanExpiring runs one scan pass over [now, now+window] and returns the
// number of reminders sent. Notification failures are logged per tenant and
// do not stop the pass.
func (s *Scanner) ScanExpiring(ctx context.Context, window time.Duration) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.WarnContext(ctx, "expiry scan already in progress, skipping")
		return 0, nil
	}
	defer s.running.Store(false)

	now := s.now()
	records, err := s.store.ExpiringBetween(ctx, now, now.Add(window))
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, record := range records {
		if record.ValidUntil == nil || !record.IsActive() {
			continue
		}
		payload := map[string]any{
			"plan_type":   string(record.PlanType),
			"valid_until": record.ValidUntil.UTC(),
		}
		if err := s.notifier.Notify(ctx, record.TenantID, NotificationExpiryReminder, payload); err != nil {
			s.logger.ErrorContext(ctx, "expiry reminder failed",
				slog.String("tenant_id", record.TenantID.String()),
				slog.Any("error", err),
			)
			continue
		}
		sent++
	}

	s.logger.InfoContext(ctx, "expiry scan finished",
		slog.Int("candidates", len(records)),
		slog.Int("reminders_sent", sent),
	)
	return sent, nil
}

// Run scans on a ticker until the context is canceled. Overlapping ticks are
// skipped by the single-flight guard inside ScanExpiring.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ScanExpiring(ctx, s.window); err != nil {
				s.logger.ErrorContext(ctx, "expiry scan failed", slog.Any("error", err))
			}
		}
	}
}
