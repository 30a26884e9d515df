package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/macfox/claudedeck/internal/creds"
)

// ExternalProbe yields the host's current external account correlation id.
type ExternalProbe interface {
	CurrentExternalAccountID() (string, bool)
}

// Accounts is the registry surface the reconciler needs.
type Accounts interface {
	List() ([]creds.Account, error)
	UpdateCorrelationID(accountID, correlationID string) error
}

// CredentialSource reads and updates durable credential records. The
// resolver implements it.
type CredentialSource interface {
	Record(ctx context.Context, accountID string) (creds.Record, error)
	UpdateRecord(ctx context.Context, accountID string, record creds.Record) error
}

// ProfileFunc fetches the host session's profile (email and correlation id)
// from the remote collaborator. Optional; when absent the email-fallback
// tier is skipped.
type ProfileFunc func(ctx context.Context) (email, correlationID string, err error)

// Reconciler correlates the host application's current session against the
// local account registry to answer which local account the host is using.
type Reconciler struct {
	probe    ExternalProbe
	accounts Accounts
	source   CredentialSource
	profile  ProfileFunc
	logger   *slog.Logger

	inFlight atomic.Bool
	mu       sync.Mutex
	activeID string
	onChange func(accountID string, ok bool)
}

func NewReconciler(probe ExternalProbe, accounts Accounts, source CredentialSource, profile ProfileFunc, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		probe:    probe,
		accounts: accounts,
		source:   source,
		profile:  profile,
		logger:   logger,
	}
}

// OnChange registers a callback invoked after every reconcile that changes
// the active account. Must be set before the first Reconcile.
func (r *Reconciler) OnChange(fn func(accountID string, ok bool)) {
	r.onChange = fn
}

// ActiveAccountID returns the account id the host application is currently
// believed to be using.
func (r *Reconciler) ActiveAccountID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID, r.activeID != ""
}

// Reconcile re-derives the active account from the external session probe.
// Idempotent; overlapping calls are skipped rather than run concurrently.
func (r *Reconciler) Reconcile(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer r.inFlight.Store(false)

	correlationID, ok := r.probe.CurrentExternalAccountID()
	if !ok {
		r.setActive("")
		return
	}

	if id, found := r.matchByCorrelationID(ctx, correlationID); found {
		r.setActive(id)
		return
	}

	// Accounts imported before correlation-id capture existed only carry an
	// email. Match on that and backfill the id so the next cycle matches
	// directly.
	if id, found := r.matchByEmail(ctx, correlationID); found {
		r.setActive(id)
		return
	}

	// The host may be logged into an account this system does not know yet;
	// the user must import it explicitly.
	r.setActive("")
}

func (r *Reconciler) matchByCorrelationID(ctx context.Context, correlationID string) (string, bool) {
	accounts, err := r.accounts.List()
	if err != nil {
		r.logger.Warn("list accounts failed", "error", err)
		return "", false
	}
	for _, account := range accounts {
		record, err := r.source.Record(ctx, account.ID)
		if err != nil {
			continue
		}
		if record.CorrelationID != "" && record.CorrelationID == correlationID {
			return account.ID, true
		}
	}
	return "", false
}

func (r *Reconciler) matchByEmail(ctx context.Context, correlationID string) (string, bool) {
	if r.profile == nil {
		return "", false
	}
	email, profileID, err := r.profile(ctx)
	if err != nil || email == "" {
		return "", false
	}
	if profileID == "" {
		profileID = correlationID
	}

	accounts, err := r.accounts.List()
	if err != nil {
		return "", false
	}
	for _, account := range accounts {
		record, err := r.source.Record(ctx, account.ID)
		if err != nil || record.Email == "" || !strings.EqualFold(record.Email, email) {
			continue
		}
		r.backfill(ctx, account.ID, record, profileID)
		return account.ID, true
	}
	return "", false
}

// backfill stores the probe's correlation id on an email-matched account so
// future reconciliation is id-based.
func (r *Reconciler) backfill(ctx context.Context, accountID string, record creds.Record, correlationID string) {
	if correlationID == "" || record.CorrelationID == correlationID {
		return
	}
	record.CorrelationID = correlationID
	if err := r.source.UpdateRecord(ctx, accountID, record); err != nil {
		r.logger.Warn("correlation id backfill failed", "account", accountID, "error", err)
	}
	if err := r.accounts.UpdateCorrelationID(accountID, correlationID); err != nil {
		r.logger.Warn("registry correlation id backfill failed", "account", accountID, "error", err)
	}
}

func (r *Reconciler) setActive(accountID string) {
	r.mu.Lock()
	changed := r.activeID != accountID
	r.activeID = accountID
	onChange := r.onChange
	r.mu.Unlock()
	if changed && onChange != nil {
		onChange(accountID, accountID != "")
	}
}
