package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrRecordNotFound is returned by Store implementations when an account has
// no durable credential record or legacy token.
var ErrRecordNotFound = errors.New("record not found")

// Account is a locally registered identity, distinct from any host-app
// session. Identity is immutable once created.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// Label is the account-type label used for config-source lookups.
func (a Account) Label() string {
	return strings.ToLower(strings.TrimSpace(a.Name))
}

// Store is a durable credential store addressed by account id. Both the
// OS-protected vault and the file-backed registry implement it.
type Store interface {
	GetRecord(ctx context.Context, accountID string) (Record, error)
	PutRecord(ctx context.Context, accountID string, record Record) error
	DeleteRecord(ctx context.Context, accountID string) error
	GetLegacyToken(ctx context.Context, accountID string) (string, error)
	PutLegacyToken(ctx context.Context, accountID, token string) error
}

// HostReader reads the credentials the host application currently holds.
type HostReader interface {
	ReadHostCredentials(ctx context.Context) (Record, error)
}

// Resolver decides the effective bearer token for an account and owns the
// one-shot import of externally-held credentials into durable storage.
type Resolver struct {
	source   *ConfigSource
	store    Store
	fallback Store // optional file-backed mirror, may be nil
	host     HostReader
	logger   *slog.Logger
	now      func() time.Time
}

func NewResolver(source *ConfigSource, store Store, fallback Store, host HostReader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source:   source,
		store:    store,
		fallback: fallback,
		host:     host,
		logger:   logger,
		now:      time.Now,
	}
}

// ResolveToken returns the effective bearer token for account, trying sources
// in strict priority: config override, durable record, legacy plain token.
// Config credentials bypass expiry checking entirely. An expired durable
// record yields ErrTokenExpired rather than falling through; the system
// prefers signalling "needs re-import" over silent refresh exchange.
func (r *Resolver) ResolveToken(ctx context.Context, account Account) (string, error) {
	if cred, ok := r.source.Lookup(account.Label()); ok {
		return cred.AccessToken, nil
	}

	record, err := r.getRecord(ctx, account.ID)
	switch {
	case err == nil:
		if record.IsExpired(r.now()) {
			return "", ErrTokenExpired
		}
		return record.AccessToken, nil
	case errors.Is(err, ErrRecordNotFound):
		// fall through to the legacy token
	default:
		r.logger.Warn("credential store read failed", "account", account.ID, "error", err)
	}

	token, err := r.getLegacyToken(ctx, account.ID)
	if err == nil && token != "" {
		return token, nil
	}
	return "", ErrTokenNotFound
}

// TokenExpiredOrMissing reports whether account needs a re-import. It shares
// the expiry predicate with ResolveToken so display and fetch logic never
// disagree. Config-sourced credentials never report expired.
func (r *Resolver) TokenExpiredOrMissing(ctx context.Context, account Account) bool {
	if _, ok := r.source.Lookup(account.Label()); ok {
		return false
	}
	record, err := r.getRecord(ctx, account.ID)
	if err != nil {
		if token, lerr := r.getLegacyToken(ctx, account.ID); lerr == nil && token != "" {
			return false
		}
		return true
	}
	return record.IsExpired(r.now())
}

// ExpiryDescription is a pure projection of the account's credential expiry
// for display. It never mutates state or triggers an import.
func (r *Resolver) ExpiryDescription(ctx context.Context, account Account) string {
	if _, ok := r.source.Lookup(account.Label()); ok {
		return "From config"
	}
	record, err := r.getRecord(ctx, account.ID)
	if err != nil {
		return ""
	}
	remaining := record.TimeRemaining(r.now())
	if remaining <= 0 {
		return "Expired"
	}
	hours := int(remaining.Hours())
	minutes := int(remaining.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm remaining", hours, minutes)
	}
	return fmt.Sprintf("%dm remaining", minutes)
}

// ImportHostCredentials reads the credentials the host application currently
// holds and replaces accountID's durable record with them. The record write
// is all-or-nothing; the legacy plain token is persisted best-effort for
// backward compatibility. Returns an error when the host holds nothing.
func (r *Resolver) ImportHostCredentials(ctx context.Context, accountID string) error {
	if r.host == nil {
		return errors.New("no host credential source configured")
	}
	record, err := r.host.ReadHostCredentials(ctx)
	if err != nil {
		return fmt.Errorf("read host credentials: %w", err)
	}
	if record.AccessToken == "" {
		return fmt.Errorf("read host credentials: %w", ErrTokenNotFound)
	}

	if err := r.putRecord(ctx, accountID, record); err != nil {
		return fmt.Errorf("store imported credentials: %w", err)
	}
	if err := r.store.PutLegacyToken(ctx, accountID, record.AccessToken); err != nil {
		r.logger.Warn("legacy token write failed", "account", accountID, "error", err)
	}
	return nil
}

// Record returns the durable record for accountID, preferring the secure
// store and falling back to the file store.
func (r *Resolver) Record(ctx context.Context, accountID string) (Record, error) {
	return r.getRecord(ctx, accountID)
}

// UpdateRecord replaces the durable record for accountID in the secure store
// and mirrors it to the fallback.
func (r *Resolver) UpdateRecord(ctx context.Context, accountID string, record Record) error {
	return r.putRecord(ctx, accountID, record)
}

// DeleteCredentials removes accountID's stored credentials from every
// durable store. Called when the account itself is deleted.
func (r *Resolver) DeleteCredentials(ctx context.Context, accountID string) error {
	err := r.store.DeleteRecord(ctx, accountID)
	if r.fallback != nil {
		if ferr := r.fallback.DeleteRecord(ctx, accountID); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

func (r *Resolver) getRecord(ctx context.Context, accountID string) (Record, error) {
	record, err := r.store.GetRecord(ctx, accountID)
	if err == nil {
		return record, nil
	}
	if r.fallback != nil {
		if record, ferr := r.fallback.GetRecord(ctx, accountID); ferr == nil {
			return record, nil
		}
	}
	return Record{}, err
}

func (r *Resolver) getLegacyToken(ctx context.Context, accountID string) (string, error) {
	token, err := r.store.GetLegacyToken(ctx, accountID)
	if err == nil {
		return token, nil
	}
	if r.fallback != nil {
		if token, ferr := r.fallback.GetLegacyToken(ctx, accountID); ferr == nil {
			return token, nil
		}
	}
	return "", err
}

func (r *Resolver) putRecord(ctx context.Context, accountID string, record Record) error {
	err := r.store.PutRecord(ctx, accountID, record)
	if r.fallback != nil {
		if ferr := r.fallback.PutRecord(ctx, accountID, record); ferr != nil && err == nil {
			r.logger.Warn("fallback store write failed", "account", accountID, "error", ferr)
		}
	}
	return err
}
