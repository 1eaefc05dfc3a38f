package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cassiomorais/checkout/internal/domain/agent"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/outbox"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/cassiomorais/checkout/internal/protocol"
	"github.com/cassiomorais/checkout/internal/repository/postgres"
	"github.com/google/uuid"
)

// --- Transaction Repository Mock ---

// MockTransactionRepository is an in-memory transaction.Repository. Stored
// transactions are copies, and Update enforces the version check like the
// Postgres implementation.
type MockTransactionRepository struct {
	mu     sync.Mutex
	txs    map[uuid.UUID]transaction.Transaction
	byKey  map[string]uuid.UUID
	events map[uuid.UUID][]*transaction.Event

	CreateFunc func(ctx context.Context, tx *transaction.Transaction) error
	UpdateFunc func(ctx context.Context, tx *transaction.Transaction) error
}

func NewMockTransactionRepository() *MockTransactionRepository {
	return &MockTransactionRepository{
		txs:    make(map[uuid.UUID]transaction.Transaction),
		byKey:  make(map[string]uuid.UUID),
		events: make(map[uuid.UUID][]*transaction.Event),
	}
}

func (m *MockTransactionRepository) Create(ctx context.Context, tx *transaction.Transaction) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[tx.IdempotencyKey]; ok {
		return domainErrors.ErrDuplicateIdempotencyKey
	}
	m.txs[tx.ID] = *tx
	m.byKey[tx.IdempotencyKey] = tx.ID
	return nil
}

func (m *MockTransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, domainErrors.ErrTransactionNotFound
	}
	return &tx, nil
}

func (m *MockTransactionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return m.GetByID(ctx, id)
}

func (m *MockTransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*transaction.Transaction, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, domainErrors.ErrTransactionNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MockTransactionRepository) Update(ctx context.Context, tx *transaction.Transaction) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, tx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.txs[tx.ID]
	if !ok {
		return domainErrors.ErrTransactionNotFound
	}
	if stored.Version != tx.Version {
		return domainErrors.ErrOptimisticLockFailed
	}
	tx.Version++
	m.txs[tx.ID] = *tx
	return nil
}

func (m *MockTransactionRepository) AddEvent(ctx context.Context, event *transaction.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.TransactionID] = append(m.events[event.TransactionID], event)
	return nil
}

func (m *MockTransactionRepository) GetEvents(ctx context.Context, transactionID uuid.UUID) ([]*transaction.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[transactionID], nil
}

// Put stores tx as-is, bypassing validation.
func (m *MockTransactionRepository) Put(tx *transaction.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = *tx
	m.byKey[tx.IdempotencyKey] = tx.ID
}

// Count returns the number of stored transactions.
func (m *MockTransactionRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// EventTypes lists the recorded event types of a transaction in order.
func (m *MockTransactionRepository) EventTypes(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []string
	for _, e := range m.events[id] {
		types = append(types, e.EventType)
	}
	return types
}

// --- Agent Repository Mock ---

type MockAgentRepository struct {
	mu     sync.Mutex
	agents map[uuid.UUID]agent.Agent

	ListOnlineFunc func(ctx context.Context, since time.Time) ([]*agent.Agent, error)
}

func NewMockAgentRepository() *MockAgentRepository {
	return &MockAgentRepository{agents: make(map[uuid.UUID]agent.Agent)}
}

func (m *MockAgentRepository) Create(ctx context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = *a
	return nil
}

func (m *MockAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, domainErrors.ErrAgentNotFound
	}
	return &a, nil
}

func (m *MockAgentRepository) GetByTokenHash(ctx context.Context, hash string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.TokenHash == hash {
			return &a, nil
		}
	}
	return nil, domainErrors.ErrAgentNotFound
}

func (m *MockAgentRepository) UpdateHeartbeat(ctx context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return domainErrors.ErrAgentNotFound
	}
	m.agents[a.ID] = *a
	return nil
}

func (m *MockAgentRepository) ListOnline(ctx context.Context, since time.Time) ([]*agent.Agent, error) {
	if m.ListOnlineFunc != nil {
		return m.ListOnlineFunc(ctx, since)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var online []*agent.Agent
	for _, a := range m.agents {
		if a.LastHeartbeatAt != nil && !a.LastHeartbeatAt.Before(since) {
			a := a
			online = append(online, &a)
		}
	}
	sort.Slice(online, func(i, j int) bool {
		return online[i].LastHeartbeatAt.After(*online[j].LastHeartbeatAt)
	})
	return online, nil
}

// --- Command Repository Mock ---

// MockCommandRepository is an in-memory agent.CommandRepository with the same
// queue semantics as Postgres: FIFO claims per agent, one open payment and one
// open abort per transaction and write-once reports.
type MockCommandRepository struct {
	mu       sync.Mutex
	commands map[uuid.UUID]agent.Command
	order    []uuid.UUID
	reports  map[uuid.UUID]agent.Report

	ClaimNextFunc func(ctx context.Context, agentID uuid.UUID, now time.Time) (*agent.Command, error)
}

func NewMockCommandRepository() *MockCommandRepository {
	return &MockCommandRepository{
		commands: make(map[uuid.UUID]agent.Command),
		reports:  make(map[uuid.UUID]agent.Report),
	}
}

func (m *MockCommandRepository) Enqueue(ctx context.Context, c *agent.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.TransactionID != nil {
		for _, existing := range m.commands {
			if existing.Type() == c.Type() && existing.IsOpen() &&
				existing.TransactionID != nil && *existing.TransactionID == *c.TransactionID {
				return domainErrors.ErrCommandPending
			}
		}
	}
	m.commands[c.ID] = *c
	m.order = append(m.order, c.ID)
	return nil
}

func (m *MockCommandRepository) ClaimNext(ctx context.Context, agentID uuid.UUID, now time.Time) (*agent.Command, error) {
	if m.ClaimNextFunc != nil {
		return m.ClaimNextFunc(ctx, agentID, now)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		c := m.commands[id]
		if c.AgentID != agentID || c.Status != agent.CommandQueued {
			continue
		}
		if err := c.MarkDelivered(now); err != nil {
			return nil, err
		}
		m.commands[id] = c
		return &c, nil
	}
	return nil, nil
}

func (m *MockCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*agent.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, domainErrors.ErrCommandNotFound
	}
	return &c, nil
}

func (m *MockCommandRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*agent.Command, error) {
	return m.GetByID(ctx, id)
}

func (m *MockCommandRepository) FindOpen(ctx context.Context, transactionID uuid.UUID, commandType protocol.CommandType) (*agent.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		c := m.commands[id]
		if c.Type() == commandType && c.IsOpen() &&
			c.TransactionID != nil && *c.TransactionID == transactionID {
			return &c, nil
		}
	}
	return nil, domainErrors.ErrCommandNotFound
}

func (m *MockCommandRepository) UpdateStatus(ctx context.Context, c *agent.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[c.ID]; !ok {
		return domainErrors.ErrCommandNotFound
	}
	m.commands[c.ID] = *c
	return nil
}

func (m *MockCommandRepository) SaveReport(ctx context.Context, r *agent.Report) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.CommandID]; ok {
		return false, nil
	}
	m.reports[r.CommandID] = *r
	return true, nil
}

// Commands returns every stored command in enqueue order.
func (m *MockCommandRepository) Commands() []agent.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]agent.Command, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.commands[id])
	}
	return out
}

// ReportCount returns the number of stored reports.
func (m *MockCommandRepository) ReportCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

// --- Transaction Manager Mock ---

// MockTransactionManager runs fn directly; nothing is rolled back.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository keeps entries in insert order and claims like
// Postgres: only the oldest pending entry of each aggregate.
type MockOutboxRepository struct {
	mu      sync.Mutex
	entries []*outbox.Entry

	MarkPublishedFunc func(ctx context.Context, id uuid.UUID, at time.Time) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MockOutboxRepository) ClaimPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*outbox.Entry
	seen := make(map[uuid.UUID]bool)
	for _, e := range m.entries {
		if e.Status != outbox.StatusPending || seen[e.AggregateID] {
			continue
		}
		seen[e.AggregateID] = true
		if len(claimed) < limit {
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

func (m *MockOutboxRepository) pendingEntry(id uuid.UUID) (*outbox.Entry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			if e.Status != outbox.StatusPending {
				return nil, outbox.ErrNotPending
			}
			return e, nil
		}
	}
	return nil, outbox.ErrNotPending
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	if m.MarkPublishedFunc != nil {
		return m.MarkPublishedFunc(ctx, id, at)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.pendingEntry(id)
	if err != nil {
		return err
	}
	e.Status = outbox.StatusPublished
	e.PublishedAt = &at
	return nil
}

func (m *MockOutboxRepository) RecordFailure(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.pendingEntry(id)
	if err != nil {
		return false, err
	}
	e.RetryCount++
	if e.RetryCount >= e.MaxRetries {
		e.Status = outbox.StatusFailed
	}
	return e.Status == outbox.StatusFailed, nil
}

func (m *MockOutboxRepository) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var purged int64
	for _, e := range m.entries {
		if e.Status == outbox.StatusPublished && e.PublishedAt != nil && e.PublishedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return purged, nil
}

// Entries returns the stored entries.
func (m *MockOutboxRepository) Entries() []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*outbox.Entry(nil), m.entries...)
}

// EventTypes lists the event types of stored entries in insert order.
func (m *MockOutboxRepository) EventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		types = append(types, e.EventType)
	}
	return types
}

// --- Notifier Mock ---

// MockNotifier keeps at most one pending wake-up per agent, like the Redis
// wake-up list. Wait returns early when one is pending or arrives.
type MockNotifier struct {
	mu       sync.Mutex
	wakeups  map[uuid.UUID]chan struct{}
	notified []uuid.UUID

	NotifyFunc func(ctx context.Context, agentID uuid.UUID) error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{wakeups: make(map[uuid.UUID]chan struct{})}
}

func (m *MockNotifier) channel(agentID uuid.UUID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.wakeups[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.wakeups[agentID] = ch
	}
	return ch
}

func (m *MockNotifier) Notify(ctx context.Context, agentID uuid.UUID) error {
	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, agentID)
	}
	m.mu.Lock()
	m.notified = append(m.notified, agentID)
	m.mu.Unlock()
	select {
	case m.channel(agentID) <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockNotifier) Wait(ctx context.Context, agentID uuid.UUID, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.channel(agentID):
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// Notified returns the agents woken so far, in order.
func (m *MockNotifier) Notified() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.notified...)
}

// --- Locker Mock ---

// MockLocker serializes by key in-process.
type MockLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	Keys  []string
}

func NewMockLocker() *MockLocker {
	return &MockLocker{locks: make(map[string]*sync.Mutex)}
}

func (m *MockLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.Keys = append(m.Keys, key)
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// --- Idempotency Store Mock ---

// MockIdempotencyStore keeps the first entry per key, like the ON CONFLICT DO
// NOTHING insert. Expired entries read as missing.
type MockIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*postgres.IdempotencyEntry
}

func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{entries: make(map[string]*postgres.IdempotencyEntry)}
}

func (m *MockIdempotencyStore) Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.ExpiresAt) {
		return nil, nil
	}
	return e, nil
}

func (m *MockIdempotencyStore) Set(ctx context.Context, e *postgres.IdempotencyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Key]; !ok {
		m.entries[e.Key] = e
	}
	return nil
}

func (m *MockIdempotencyStore) Cleanup(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if time.Now().After(e.ExpiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MockIdempotencyStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
