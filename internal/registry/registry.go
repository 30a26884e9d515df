package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/macfox/claudedeck/internal/creds"
)

var ErrAccountNotFound = errors.New("account not found")

// EventType describes a committed registry mutation.
type EventType string

const (
	EventAdded    EventType = "added"
	EventRemoved  EventType = "removed"
	EventSelected EventType = "selected"
	EventUpdated  EventType = "updated"
)

type Event struct {
	Type      EventType
	AccountID string
}

// accountDoc is the on-disk account entry. Fields are declared in key order
// so the persisted document stays diff-friendly. expiresAt is seconds since
// epoch; zero means the entry has no durable expiry.
type accountDoc struct {
	AccessToken   string  `json:"accessToken"`
	Email         string  `json:"email,omitempty"`
	ExpiresAt     float64 `json:"expiresAt"`
	CorrelationID string  `json:"externalCorrelationId,omitempty"`
	Icon          string  `json:"icon"`
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	RefreshToken  string  `json:"refreshToken"`
}

type document struct {
	Accounts          []accountDoc `json:"accounts"`
	SelectedAccountID string       `json:"selectedAccountId,omitempty"`
}

// Registry is the file-backed account registry and credential store. Every
// mutation is a full read-modify-write of the registry document, written
// atomically so concurrent readers never observe a torn document.
type Registry struct {
	mu       sync.Mutex
	filePath string
	subs     map[int]chan Event
	nextSub  int
}

func Open(filePath string) (*Registry, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, errors.New("registry path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{
		filePath: filePath,
		subs:     map[int]chan Event{},
	}, nil
}

// Subscribe returns a change-notification channel and a cancel func. Events
// are delivered best-effort; a subscriber that falls behind misses events
// rather than blocking mutations.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 16)
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if ch, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
	}
}

func (r *Registry) publishLocked(event Event) {
	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// List returns all known accounts in registry order.
func (r *Registry) List() ([]creds.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]creds.Account, 0, len(doc.Accounts))
	for _, entry := range doc.Accounts {
		out = append(out, entry.account())
	}
	return out, nil
}

func (r *Registry) Get(accountID string) (creds.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.loadLocked()
	if err != nil {
		return creds.Account{}, err
	}
	if entry := doc.find(accountID); entry != nil {
		return entry.account(), nil
	}
	return creds.Account{}, ErrAccountNotFound
}

// Add registers a new account. The first account added becomes selected.
func (r *Registry) Add(name, icon string) (creds.Account, error) {
	account := creds.Account{
		ID:   ulid.Make().String(),
		Name: strings.TrimSpace(name),
		Icon: icon,
	}
	if account.Name == "" {
		return creds.Account{}, errors.New("account name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.mutateLocked(func(doc *document) error {
		doc.Accounts = append(doc.Accounts, accountDoc{
			ID:   account.ID,
			Name: account.Name,
			Icon: account.Icon,
		})
		if doc.SelectedAccountID == "" {
			doc.SelectedAccountID = account.ID
		}
		return nil
	})
	if err != nil {
		return creds.Account{}, err
	}
	r.publishLocked(Event{Type: EventAdded, AccountID: account.ID})
	return account, nil
}

// Remove deletes an account and its stored credentials. Removing the
// selected account reassigns selection to the first remaining account, or
// clears it when none remain.
func (r *Registry) Remove(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.mutateLocked(func(doc *document) error {
		idx := doc.index(accountID)
		if idx < 0 {
			return ErrAccountNotFound
		}
		doc.Accounts = append(doc.Accounts[:idx], doc.Accounts[idx+1:]...)
		if doc.SelectedAccountID == accountID {
			doc.SelectedAccountID = ""
			if len(doc.Accounts) > 0 {
				doc.SelectedAccountID = doc.Accounts[0].ID
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.publishLocked(Event{Type: EventRemoved, AccountID: accountID})
	return nil
}

func (r *Registry) Select(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.mutateLocked(func(doc *document) error {
		if doc.find(accountID) == nil {
			return ErrAccountNotFound
		}
		doc.SelectedAccountID = accountID
		return nil
	})
	if err != nil {
		return err
	}
	r.publishLocked(Event{Type: EventSelected, AccountID: accountID})
	return nil
}

// Selected returns the selected account, or ok=false when the registry is
// empty.
func (r *Registry) Selected() (creds.Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.loadLocked()
	if err != nil {
		return creds.Account{}, false, err
	}
	if doc.SelectedAccountID == "" {
		return creds.Account{}, false, nil
	}
	if entry := doc.find(doc.SelectedAccountID); entry != nil {
		return entry.account(), true, nil
	}
	return creds.Account{}, false, nil
}

func (r *Registry) UpdateEmail(accountID, email string) error {
	return r.update(accountID, func(entry *accountDoc) {
		entry.Email = email
	})
}

func (r *Registry) UpdateCorrelationID(accountID, correlationID string) error {
	return r.update(accountID, func(entry *accountDoc) {
		entry.CorrelationID = correlationID
	})
}

func (r *Registry) UpdateTokens(accountID string, record creds.Record) error {
	return r.update(accountID, func(entry *accountDoc) {
		entry.applyRecord(record)
	})
}

// FindByCorrelationID matches an account whose stored credentials carry the
// external correlation id.
func (r *Registry) FindByCorrelationID(correlationID string) (creds.Account, bool, error) {
	return r.findBy(func(entry accountDoc) bool {
		return correlationID != "" && entry.CorrelationID == correlationID
	})
}

func (r *Registry) FindByEmail(email string) (creds.Account, bool, error) {
	return r.findBy(func(entry accountDoc) bool {
		return email != "" && strings.EqualFold(entry.Email, email)
	})
}

// GetRecord implements creds.Store over the registry document.
func (r *Registry) GetRecord(_ context.Context, accountID string) (creds.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.loadLocked()
	if err != nil {
		return creds.Record{}, err
	}
	entry := doc.find(accountID)
	if entry == nil || entry.AccessToken == "" {
		return creds.Record{}, creds.ErrRecordNotFound
	}
	return entry.record(), nil
}

func (r *Registry) PutRecord(_ context.Context, accountID string, record creds.Record) error {
	return r.update(accountID, func(entry *accountDoc) {
		entry.applyRecord(record)
	})
}

func (r *Registry) DeleteRecord(_ context.Context, accountID string) error {
	return r.update(accountID, func(entry *accountDoc) {
		entry.AccessToken = ""
		entry.RefreshToken = ""
		entry.ExpiresAt = 0
		entry.Email = ""
		entry.CorrelationID = ""
	})
}

// GetLegacyToken treats an expiry-less stored access token as the legacy
// plain token. The registry document has no separate slot for one.
func (r *Registry) GetLegacyToken(_ context.Context, accountID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.loadLocked()
	if err != nil {
		return "", err
	}
	entry := doc.find(accountID)
	if entry == nil || entry.AccessToken == "" || entry.ExpiresAt != 0 {
		return "", creds.ErrRecordNotFound
	}
	return entry.AccessToken, nil
}

func (r *Registry) PutLegacyToken(context.Context, string, string) error {
	// Legacy plain tokens are a secure-store compatibility path; the
	// registry document carries full records only.
	return nil
}

func (r *Registry) update(accountID string, fn func(*accountDoc)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.mutateLocked(func(doc *document) error {
		entry := doc.find(accountID)
		if entry == nil {
			return ErrAccountNotFound
		}
		fn(entry)
		return nil
	})
	if err != nil {
		return err
	}
	r.publishLocked(Event{Type: EventUpdated, AccountID: accountID})
	return nil
}

func (r *Registry) findBy(match func(accountDoc) bool) (creds.Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.loadLocked()
	if err != nil {
		return creds.Account{}, false, err
	}
	for _, entry := range doc.Accounts {
		if match(entry) {
			return entry.account(), true, nil
		}
	}
	return creds.Account{}, false, nil
}

// mutateLocked runs a read-modify-write cycle over the whole document.
func (r *Registry) mutateLocked(fn func(*document) error) error {
	doc, err := r.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return r.saveLocked(doc)
}

func (r *Registry) loadLocked() (document, error) {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return document{}, nil
		}
		return document{}, fmt.Errorf("read registry: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("decode registry: %w", err)
	}
	return doc, nil
}

// saveLocked writes the document to a temp file and renames it into place so
// a reader never observes a partial write, then re-applies owner-only
// permissions.
func (r *Registry) saveLocked(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmpPath := r.filePath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp registry file: %w", err)
	}
	_, writeErr := file.Write(data)
	syncErr := file.Sync()
	closeErr := file.Close()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp registry file: %w", writeErr)
	}
	if syncErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp registry file: %w", syncErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp registry file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace registry file: %w", err)
	}
	if err := os.Chmod(r.filePath, 0o600); err != nil {
		return fmt.Errorf("set registry file perms: %w", err)
	}
	return nil
}

func (d *document) find(accountID string) *accountDoc {
	idx := d.index(accountID)
	if idx < 0 {
		return nil
	}
	return &d.Accounts[idx]
}

func (d *document) index(accountID string) int {
	for i := range d.Accounts {
		if d.Accounts[i].ID == accountID {
			return i
		}
	}
	return -1
}

func (e accountDoc) account() creds.Account {
	return creds.Account{ID: e.ID, Name: e.Name, Icon: e.Icon}
}

func (e accountDoc) record() creds.Record {
	record := creds.Record{
		AccessToken:   e.AccessToken,
		RefreshToken:  e.RefreshToken,
		Email:         e.Email,
		CorrelationID: e.CorrelationID,
	}
	if e.ExpiresAt > 0 {
		sec, frac := math.Modf(e.ExpiresAt)
		record.ExpiresAt = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	return record
}

func (e *accountDoc) applyRecord(record creds.Record) {
	e.AccessToken = record.AccessToken
	e.RefreshToken = record.RefreshToken
	if record.ExpiresAt.IsZero() {
		e.ExpiresAt = 0
	} else {
		e.ExpiresAt = float64(record.ExpiresAt.UnixNano()) / float64(time.Second)
	}
	if record.Email != "" {
		e.Email = record.Email
	}
	if record.CorrelationID != "" {
		e.CorrelationID = record.CorrelationID
	}
}
