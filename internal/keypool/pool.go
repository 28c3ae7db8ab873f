package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

// DefaultCapacity bounds the number of credentials kept in the pool.
const DefaultCapacity = 20

// ErrNotFound is returned when no entry matches an id.
var ErrNotFound = errors.New("key not found")

// Store persists the pool. Saves are fire-and-forget.
type Store interface {
	LoadKeys(ctx context.Context) ([]imagine.KeyEntry, error)
	LoadCursor(ctx context.Context) (int, error)
	SaveKeys(entries []imagine.KeyEntry)
	SaveCursor(cursor int)
}

// Config wires a Pool's collaborators.
type Config struct {
	Capacity int
	Store    Store
	IDs      imagine.IDGenerator
	Clock    imagine.Clock
	Logger   *zap.Logger
}

// Pool is the credential rotation pool. It is safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	entries  []imagine.KeyEntry
	cursor   int
	capacity int
	store    Store
	ids      imagine.IDGenerator
	clock    imagine.Clock
	logger   *zap.Logger
}

// New constructs an empty pool.
func New(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool{
		capacity: cfg.Capacity,
		store:    cfg.Store,
		ids:      cfg.IDs,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Load replaces the pool contents with the persisted collections.
func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	entries, err := p.store.LoadKeys(ctx)
	if err != nil {
		return fmt.Errorf("load key pool: %w", err)
	}
	cursor, err := p.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load rotation cursor: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(entries) > p.capacity {
		entries = entries[:p.capacity]
	}
	p.entries = cloneEntries(entries)
	p.cursor = cursor
	p.normalizeCursorLocked()
	p.logger.Info("key pool loaded", zap.Int("keys", len(p.entries)), zap.Int("cursor", p.cursor))
	return nil
}

// Candidate is a credential waiting to be added.
type Candidate struct {
	Label      string
	Credential string
}

// Add inserts one credential at the front of the pool. added is false when
// the credential is blank or already present.
func (p *Pool) Add(label, credential string) (imagine.KeyEntry, bool, error) {
	added, err := p.AddMany([]Candidate{{Label: label, Credential: credential}})
	if err != nil || len(added) == 0 {
		return imagine.KeyEntry{}, false, err
	}
	return added[0], true, nil
}

// Import parses bulk text (see ParseBulk) and adds every new credential.
func (p *Pool) Import(text string) ([]imagine.KeyEntry, error) {
	return p.AddMany(ParseBulk(text))
}

// AddMany adds candidates in order, each inserted at the front, skipping
// blanks and duplicates (by trimmed credential). The pool is truncated to
// capacity afterwards, so entries added beyond it are dropped.
func (p *Pool) AddMany(candidates []Candidate) ([]imagine.KeyEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]struct{}, len(p.entries))
	for _, e := range p.entries {
		existing[strings.TrimSpace(e.Credential)] = struct{}{}
	}

	next := cloneEntries(p.entries)
	fresh := make([]imagine.KeyEntry, 0, len(candidates))
	for _, c := range candidates {
		credential := strings.TrimSpace(c.Credential)
		if credential == "" {
			continue
		}
		if _, dup := existing[credential]; dup {
			continue
		}
		existing[credential] = struct{}{}

		id, err := p.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate key id: %w", err)
		}
		label := strings.TrimSpace(c.Label)
		if label == "" {
			label = imagine.MaskCredential(credential)
		}
		entry := imagine.KeyEntry{
			ID:         id,
			Label:      label,
			Credential: credential,
			Enabled:    true,
			Health:     imagine.KeyHealthUnknown,
		}
		next = append([]imagine.KeyEntry{entry}, next...)
		fresh = append(fresh, entry)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if len(next) > p.capacity {
		next = next[:p.capacity]
	}
	p.entries = next
	p.commitLocked()

	kept := make(map[string]struct{}, len(next))
	for _, e := range next {
		kept[e.ID] = struct{}{}
	}
	out := fresh[:0]
	for _, e := range fresh {
		if _, ok := kept[e.ID]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// ParseBulk splits text into candidates: one per non-blank line, either
// "label|credential" or a bare credential.
func ParseBulk(text string) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if label, credential, ok := strings.Cut(line, "|"); ok {
			out = append(out, Candidate{Label: strings.TrimSpace(label), Credential: strings.TrimSpace(credential)})
			continue
		}
		out = append(out, Candidate{Credential: line})
	}
	return out
}

// Toggle flips the enabled flag of an entry.
func (p *Pool) Toggle(id string) (imagine.KeyEntry, error) {
	return p.update(id, func(e *imagine.KeyEntry) { e.Enabled = !e.Enabled })
}

// Remove deletes an entry. The cursor is re-reduced against the remaining
// enabled entries.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make([]imagine.KeyEntry, 0, len(p.entries))
	found := false
	for _, e := range p.entries {
		if e.ID == id {
			found = true
			continue
		}
		next = append(next, e)
	}
	if !found {
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	p.entries = next
	p.commitLocked()
	return nil
}

// HealthPatch is a partial health update. Nil fields are left unchanged.
type HealthPatch struct {
	Health    *imagine.KeyHealth
	CheckedAt *time.Time
	// LastError replaces the error text; an empty string clears it.
	LastError *string
	// Capabilities replaces the capability flags when set.
	Capabilities *imagine.Capabilities
	// ClearCapabilities drops the capability flags.
	ClearCapabilities bool
}

// SetHealth merges patch into the entry.
func (p *Pool) SetHealth(id string, patch HealthPatch) (imagine.KeyEntry, error) {
	return p.update(id, func(e *imagine.KeyEntry) {
		if patch.Health != nil {
			e.Health = *patch.Health
		}
		if patch.CheckedAt != nil {
			checked := *patch.CheckedAt
			e.LastCheckedAt = &checked
		}
		if patch.LastError != nil {
			e.LastError = *patch.LastError
		}
		if patch.ClearCapabilities {
			e.Capabilities = nil
		}
		if patch.Capabilities != nil {
			caps := *patch.Capabilities
			e.Capabilities = &caps
		}
	})
}

// MarkSuccess records a successful call through the credential.
func (p *Pool) MarkSuccess(id string) {
	ok := imagine.KeyHealthOK
	empty := ""
	if _, err := p.SetHealth(id, HealthPatch{Health: &ok, LastError: &empty}); err != nil {
		p.logger.Debug("mark success skipped", zap.String("key_id", id), zap.Error(err))
	}
}

// MarkFailure records a failed call with the upstream status and message.
func (p *Pool) MarkFailure(id string, status int, message string) {
	health := imagine.HealthForStatus(status)
	now := p.now()
	if _, err := p.SetHealth(id, HealthPatch{Health: &health, CheckedAt: &now, LastError: &message}); err != nil {
		p.logger.Debug("mark failure skipped", zap.String("key_id", id), zap.Error(err))
	}
}

func (p *Pool) update(id string, mutate func(*imagine.KeyEntry)) (imagine.KeyEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := cloneEntries(p.entries)
	for i := range next {
		if next[i].ID != id {
			continue
		}
		mutate(&next[i])
		p.entries = next
		p.commitLocked()
		return next[i].Clone(), nil
	}
	return imagine.KeyEntry{}, fmt.Errorf("key %q: %w", id, ErrNotFound)
}

// Get returns the entry with id.
func (p *Pool) Get(id string) (imagine.KeyEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return imagine.KeyEntry{}, false
}

// List returns every entry, most recently added first.
func (p *Pool) List() []imagine.KeyEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneEntries(p.entries)
}

// Enabled returns the enabled subset in pool order.
func (p *Pool) Enabled() []imagine.KeyEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneEntries(p.enabledLocked())
}

// Next returns enabled[cursor % len(enabled)] without advancing the cursor.
func (p *Pool) Next() (imagine.KeyEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	enabled := p.enabledLocked()
	if len(enabled) == 0 {
		return imagine.KeyEntry{}, false
	}
	return enabled[p.cursor%len(enabled)].Clone(), true
}

// Rotate advances the cursor by one and returns the new rotation target.
func (p *Pool) Rotate() (imagine.KeyEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	enabled := p.enabledLocked()
	if len(enabled) == 0 {
		p.cursor = 0
		return imagine.KeyEntry{}, false
	}
	p.cursor = (p.cursor + 1) % len(enabled)
	if p.store != nil {
		p.store.SaveCursor(p.cursor)
	}
	return enabled[p.cursor].Clone(), true
}

// Clear empties the pool and resets the cursor. It returns the removed
// entries.
func (p *Pool) Clear() []imagine.KeyEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := p.entries
	p.entries = nil
	p.cursor = 0
	if p.store != nil {
		p.store.SaveKeys([]imagine.KeyEntry{})
		p.store.SaveCursor(0)
	}
	return removed
}

// Cursor returns the persisted rotation cursor.
func (p *Pool) Cursor() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursor
}

// CommitCursor stores position reduced modulo the enabled count, or 0 when
// nothing is enabled.
func (p *Pool) CommitCursor(position int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = position
	p.normalizeCursorLocked()
	if p.store != nil {
		p.store.SaveCursor(p.cursor)
	}
}

func (p *Pool) enabledLocked() []imagine.KeyEntry {
	out := make([]imagine.KeyEntry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

func (p *Pool) normalizeCursorLocked() {
	count := len(p.enabledLocked())
	if count == 0 || p.cursor < 0 {
		p.cursor = 0
		return
	}
	p.cursor %= count
}

// commitLocked re-reduces the cursor and schedules persistence.
func (p *Pool) commitLocked() {
	before := p.cursor
	p.normalizeCursorLocked()
	if p.store == nil {
		return
	}
	p.store.SaveKeys(cloneEntries(p.entries))
	if p.cursor != before {
		p.store.SaveCursor(p.cursor)
	}
}

func (p *Pool) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now()
}

func cloneEntries(entries []imagine.KeyEntry) []imagine.KeyEntry {
	out := make([]imagine.KeyEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
