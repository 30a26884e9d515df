package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/macfox/claudedeck/internal/anthropic"
	"github.com/macfox/claudedeck/internal/creds"
	"github.com/macfox/claudedeck/internal/history"
	"github.com/macfox/claudedeck/internal/registry"
	"github.com/macfox/claudedeck/internal/session"
)

// HostFingerprinter detects externally-driven credential changes (the host
// app logging in, out, or switching accounts).
type HostFingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// Poller drives the repeating usage fetch. Interval ticks and explicit Wake
// stimuli funnel into the same single-flight cycle; overlapping cycles are
// skipped, never duplicated.
type Poller struct {
	interval   time.Duration
	resolver   *creds.Resolver
	registry   *registry.Registry
	reconciler *session.Reconciler
	client     *anthropic.Client
	store      *history.Store // optional
	host       HostFingerprinter
	logger     *slog.Logger

	wake     chan struct{}
	inFlight atomic.Bool

	mu              sync.Mutex
	latest          map[string]*anthropic.Usage
	lastFingerprint string
	sawFingerprint  bool
}

func New(interval time.Duration, resolver *creds.Resolver, reg *registry.Registry, reconciler *session.Reconciler, client *anthropic.Client, store *history.Store, host HostFingerprinter, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		interval:   interval,
		resolver:   resolver,
		registry:   reg,
		reconciler: reconciler,
		client:     client,
		store:      store,
		host:       host,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		latest:     map[string]*anthropic.Usage{},
	}
}

// Wake requests an immediate poll cycle, e.g. on an app-foreground
// transition. Coalesces with any pending wake.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Latest returns the last successfully fetched usage for accountID. Stale
// data is retained across failed cycles; stale-but-present beats blank.
func (p *Poller) Latest(accountID string) (*anthropic.Usage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	usage, ok := p.latest[accountID]
	return usage, ok
}

// Run polls until ctx is cancelled. Cancellation stops new cycles; an
// in-flight cycle completes and applies its result.
func (p *Poller) Run(ctx context.Context) error {
	p.Cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Cycle(ctx)
		case <-p.wake:
			p.Cycle(ctx)
		}
	}
}

// Cycle performs one reconcile-and-fetch pass. Safe to call concurrently; a
// cycle that finds another in flight returns immediately.
func (p *Poller) Cycle(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.logger.Debug("poll cycle already in flight, skipping")
		return
	}
	defer p.inFlight.Store(false)

	p.reconciler.Reconcile(ctx)
	p.checkHostCredentials(ctx)
	p.fetchUsage(ctx)
}

// checkHostCredentials re-imports the host's credentials into the selected
// account when they visibly changed since the last cycle, then refreshes the
// account's email and correlation id from the profile collaborator.
func (p *Poller) checkHostCredentials(ctx context.Context) {
	if p.host == nil {
		return
	}
	fingerprint, err := p.host.Fingerprint(ctx)
	if err != nil {
		p.logger.Warn("host credential fingerprint failed", "error", err)
		return
	}

	p.mu.Lock()
	changed := p.sawFingerprint && fingerprint != p.lastFingerprint && fingerprint != ""
	p.lastFingerprint = fingerprint
	p.sawFingerprint = true
	p.mu.Unlock()

	if !changed {
		return
	}

	selected, ok, err := p.registry.Selected()
	if err != nil || !ok {
		return
	}
	p.logger.Info("host credentials changed, re-importing", "account", selected.ID)
	if err := p.resolver.ImportHostCredentials(ctx, selected.ID); err != nil {
		p.logger.Warn("auto-import failed", "account", selected.ID, "error", err)
		return
	}
	p.refreshProfile(ctx, selected)
}

func (p *Poller) refreshProfile(ctx context.Context, account creds.Account) {
	token, err := p.resolver.ResolveToken(ctx, account)
	if err != nil {
		return
	}
	profile, err := p.client.FetchProfile(ctx, token)
	if err != nil {
		p.logger.Warn("profile refresh failed", "account", account.ID, "error", err)
		return
	}
	if profile.Email != "" {
		if err := p.registry.UpdateEmail(account.ID, profile.Email); err != nil {
			p.logger.Warn("email update failed", "account", account.ID, "error", err)
		}
	}
	if profile.CorrelationID != "" {
		if err := p.registry.UpdateCorrelationID(account.ID, profile.CorrelationID); err != nil {
			p.logger.Warn("correlation id update failed", "account", account.ID, "error", err)
		}
	}
	if record, err := p.resolver.Record(ctx, account.ID); err == nil {
		record.Email = profile.Email
		record.CorrelationID = profile.CorrelationID
		if err := p.resolver.UpdateRecord(ctx, account.ID, record); err != nil {
			p.logger.Warn("record profile update failed", "account", account.ID, "error", err)
		}
	}
}

// fetchUsage polls the active and the selected account. They may differ:
// active drives the primary display, selected drives the dropdown.
func (p *Poller) fetchUsage(ctx context.Context) {
	targets := map[string]creds.Account{}
	if id, ok := p.reconciler.ActiveAccountID(); ok {
		if account, err := p.registry.Get(id); err == nil {
			targets[account.ID] = account
		}
	}
	if account, ok, err := p.registry.Selected(); err == nil && ok {
		targets[account.ID] = account
	}

	for _, account := range targets {
		p.fetchAccount(ctx, account)
	}
}

func (p *Poller) fetchAccount(ctx context.Context, account creds.Account) {
	token, err := p.resolver.ResolveToken(ctx, account)
	if err != nil {
		if errors.Is(err, creds.ErrTokenExpired) {
			p.logger.Info("token expired, re-import needed", "account", account.ID)
		} else {
			p.logger.Info("no usable token", "account", account.ID)
		}
		return
	}

	usage, err := p.client.FetchUsage(ctx, token)
	if err != nil {
		// Retried by the next natural tick; last-good display data stays.
		p.logger.Warn("usage fetch failed", "account", account.ID, "error", err)
		return
	}

	p.mu.Lock()
	p.latest[account.ID] = usage
	p.mu.Unlock()

	if p.store != nil {
		snapshot := history.Snapshot{AccountID: account.ID}
		if usage.FiveHour != nil {
			snapshot.SessionPct = usage.FiveHour.Utilization
			if usage.FiveHour.ResetsAt != nil {
				snapshot.SessionResetsAt = *usage.FiveHour.ResetsAt
			}
		}
		if usage.SevenDay != nil {
			snapshot.WeeklyPct = usage.SevenDay.Utilization
			if usage.SevenDay.ResetsAt != nil {
				snapshot.WeeklyResetsAt = *usage.SevenDay.ResetsAt
			}
		}
		if usage.SevenDayOpus != nil {
			snapshot.OpusPct = usage.SevenDayOpus.Utilization
		}
		if err := p.store.RecordSnapshot(ctx, snapshot); err != nil {
			p.logger.Warn("snapshot write failed", "account", account.ID, "error", err)
		}
	}
}
