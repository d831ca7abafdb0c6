package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/models"
	"example.com/tickettoken/services/ticketing/internal/repositories"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// In-memory fakes backing the service tests. They honor the same
// contracts as the gorm repositories: fingerprint uniqueness, FIFO
// claiming, conditional status updates.

type fakeTransactor struct{}

func (fakeTransactor) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeTicketRepo struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*models.Ticket
}

func newFakeTicketRepo() *fakeTicketRepo {
	return &fakeTicketRepo{tickets: make(map[uuid.UUID]*models.Ticket)}
}

func (r *fakeTicketRepo) Create(ctx context.Context, tx *gorm.DB, ticket *models.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ticket
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.tickets[ticket.ID] = &cp
	return nil
}

func (r *fakeTicketRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *fakeTicketRepo) GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Ticket, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeTicketRepo) Save(ctx context.Context, tx *gorm.DB, ticket *models.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tickets[ticket.ID]; !ok {
		return repositories.ErrNotFound
	}
	cp := *ticket
	cp.UpdatedAt = time.Now()
	r.tickets[ticket.ID] = &cp
	return nil
}

func (r *fakeTicketRepo) MarkSynced(ctx context.Context, id uuid.UUID, accountRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return repositories.ErrNotFound
	}
	t.LedgerSyncStatus = models.SyncSynced
	t.LedgerAccountRef = &accountRef
	return nil
}

func (r *fakeTicketRepo) MarkSyncFailed(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return repositories.ErrNotFound
	}
	t.LedgerSyncStatus = models.SyncFailed
	return nil
}

func (r *fakeTicketRepo) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Ticket
	for _, t := range r.tickets {
		if t.EventID == eventID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeTicketRepo) ListRecentlyTouched(ctx context.Context, since time.Time, limit int) ([]models.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Ticket
	for _, t := range r.tickets {
		if !t.UpdatedAt.Before(since) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.Event
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: make(map[uuid.UUID]*models.Event)}
}

func (r *fakeEventRepo) Create(ctx context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events[event.ID] = &cp
	return nil
}

func (r *fakeEventRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeEventRepo) GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Event, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeEventRepo) Save(ctx context.Context, tx *gorm.DB, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.ID]; !ok {
		return repositories.ErrNotFound
	}
	cp := *event
	r.events[event.ID] = &cp
	return nil
}

func (r *fakeEventRepo) MarkSynced(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return repositories.ErrNotFound
	}
	e.LedgerSyncStatus = models.SyncSynced
	return nil
}

func (r *fakeEventRepo) MarkSyncFailed(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return repositories.ErrNotFound
	}
	e.LedgerSyncStatus = models.SyncFailed
	return nil
}

type fakeScanRepo struct {
	mu      sync.Mutex
	records []models.ScanRecord
}

func newFakeScanRepo() *fakeScanRepo {
	return &fakeScanRepo{}
}

func (r *fakeScanRepo) Create(ctx context.Context, tx *gorm.DB, record *models.ScanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *record)
	return nil
}

func (r *fakeScanRepo) LastAccepted(ctx context.Context, tx *gorm.DB, ticketID uuid.UUID, scanType ledger.ScanType, deviceID string) (*models.ScanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.ScanRecord
	for i := range r.records {
		rec := &r.records[i]
		if rec.TicketID != ticketID || rec.ScanType != scanType || rec.DeviceID != deviceID {
			continue
		}
		if latest == nil || rec.ScannedAt.After(latest.ScannedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeScanRepo) Latest(ctx context.Context, ticketID uuid.UUID) (*models.ScanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.ScanRecord
	for i := range r.records {
		rec := &r.records[i]
		if rec.TicketID != ticketID {
			continue
		}
		if latest == nil || rec.ScannedAt.After(latest.ScannedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeScanRepo) ListByTicket(ctx context.Context, ticketID uuid.UUID, limit int) ([]models.ScanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ScanRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		if r.records[i].TicketID == ticketID {
			out = append(out, r.records[i])
		}
	}
	return out, nil
}

type fakeOperationRepo struct {
	mu      sync.Mutex
	seq     int64
	ops     []*models.LedgerOperation
	byPrint map[string]*models.LedgerOperation
}

func newFakeOperationRepo() *fakeOperationRepo {
	return &fakeOperationRepo{byPrint: make(map[string]*models.LedgerOperation)}
}

func (r *fakeOperationRepo) Enqueue(ctx context.Context, tx *gorm.DB, op *models.LedgerOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPrint[op.Fingerprint]; ok {
		return nil
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	cp := *op
	r.seq++
	cp.Sequence = r.seq
	cp.CreatedAt = time.Now()
	r.ops = append(r.ops, &cp)
	r.byPrint[cp.Fingerprint] = &cp
	return nil
}

func (r *fakeOperationRepo) ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.LedgerOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blocked := make(map[string]bool)
	var claimed []models.LedgerOperation
	for _, op := range r.ops {
		if len(claimed) >= limit {
			break
		}
		key := op.SubjectKey()
		if op.Status == models.OperationPending || op.Status == models.OperationSubmitted {
			if blocked[key] {
				continue
			}
		}
		if op.Status != models.OperationPending {
			if op.Status == models.OperationSubmitted {
				blocked[key] = true
			}
			continue
		}
		if op.NextAttemptAt != nil && op.NextAttemptAt.After(now) {
			blocked[key] = true
			continue
		}
		op.Status = models.OperationSubmitted
		claimed = append(claimed, *op)
		// Later ops in the same lane dispatch in this same batch, in
		// sequence order, so the lane is not marked blocked.
	}
	return claimed, nil
}

func (r *fakeOperationRepo) find(id uuid.UUID) *models.LedgerOperation {
	for _, op := range r.ops {
		if op.ID == id {
			return op
		}
	}
	return nil
}

func (r *fakeOperationRepo) MarkConfirmed(ctx context.Context, id uuid.UUID, txRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.find(id)
	if op == nil {
		return repositories.ErrNotFound
	}
	op.Status = models.OperationConfirmed
	op.LedgerTxRef = &txRef
	op.LastError = nil
	return nil
}

func (r *fakeOperationRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.find(id)
	if op == nil {
		return repositories.ErrNotFound
	}
	op.Status = models.OperationFailed
	op.LastError = &lastError
	return nil
}

func (r *fakeOperationRepo) Reschedule(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.find(id)
	if op == nil {
		return repositories.ErrNotFound
	}
	op.Status = models.OperationPending
	op.AttemptCount = attempts
	op.NextAttemptAt = &nextAttempt
	op.LastError = &lastError
	return nil
}

func (r *fakeOperationRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*models.LedgerOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.byPrint[fingerprint]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (r *fakeOperationRepo) HasIncompleteForTicket(ctx context.Context, ticketID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		if op.TicketID != nil && *op.TicketID == ticketID {
			if op.Status == models.OperationPending || op.Status == models.OperationSubmitted {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *fakeOperationRepo) ListByStatus(ctx context.Context, status models.OperationStatus, limit int) ([]models.LedgerOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.LedgerOperation
	for _, op := range r.ops {
		if op.Status == status && len(out) < limit {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (r *fakeOperationRepo) all() []models.LedgerOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LedgerOperation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, *op)
	}
	return out
}

type fakeDiscrepancyRepo struct {
	mu      sync.Mutex
	records []*models.DiscrepancyRecord
}

func newFakeDiscrepancyRepo() *fakeDiscrepancyRepo {
	return &fakeDiscrepancyRepo{}
}

func (r *fakeDiscrepancyRepo) Create(ctx context.Context, record *models.DiscrepancyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	cp := *record
	r.records = append(r.records, &cp)
	return nil
}

func (r *fakeDiscrepancyRepo) Save(ctx context.Context, record *models.DiscrepancyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if rec.ID == record.ID {
			cp := *record
			r.records[i] = &cp
			return nil
		}
	}
	return repositories.ErrNotFound
}

func (r *fakeDiscrepancyRepo) FindUnresolved(ctx context.Context, ticketID uuid.UUID, field string) (*models.DiscrepancyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.TicketID == ticketID && rec.Field == field && rec.Status != models.DiscrepancyResolved {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeDiscrepancyRepo) ResolveForTicket(ctx context.Context, ticketID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.TicketID == ticketID && rec.Status != models.DiscrepancyResolved {
			rec.Status = models.DiscrepancyResolved
			resolvedAt := at
			rec.ResolvedAt = &resolvedAt
		}
	}
	return nil
}

func (r *fakeDiscrepancyRepo) List(ctx context.Context, status models.DiscrepancyStatus, limit int) ([]models.DiscrepancyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DiscrepancyRecord
	for _, rec := range r.records {
		if rec.Status == status && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *fakeDiscrepancyRepo) CountOpen(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, rec := range r.records {
		if rec.Status == models.DiscrepancyOpen || rec.Status == models.DiscrepancyAutoHealed || rec.Status == models.DiscrepancyEscalated {
			n++
		}
	}
	return n, nil
}

func (r *fakeDiscrepancyRepo) byField(ticketID uuid.UUID, field string) *models.DiscrepancyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if rec.TicketID == ticketID && rec.Field == field {
			cp := *rec
			return &cp
		}
	}
	return nil
}
