package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/tickettoken/services/ticketing/config"
	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/models"
	"example.com/tickettoken/services/ticketing/internal/repositories"
)

type reconcilerFixture struct {
	reconciler *Reconciler
	dispatcher *Dispatcher
	tickets    *fakeTicketRepo
	scans      *fakeScanRepo
	ops        *fakeOperationRepo
	discs      *fakeDiscrepancyRepo
	gateway    *ledger.MemoryGateway
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	tickets := newFakeTicketRepo()
	scans := newFakeScanRepo()
	ops := newFakeOperationRepo()
	discs := newFakeDiscrepancyRepo()
	events := newFakeEventRepo()
	gateway := ledger.NewMemoryGateway()

	reconciler := NewReconciler(tickets, scans, ops, discs, gateway, nil,
		metrics.NewMetrics(), config.ReconcilerConfig{
			Window:    time.Hour,
			BatchSize: 100,
		})
	dispatcher := NewDispatcher(ops, tickets, events, gateway, metrics.NewMetrics(), config.DispatcherConfig{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	return &reconcilerFixture{
		reconciler: reconciler,
		dispatcher: dispatcher,
		tickets:    tickets,
		scans:      scans,
		ops:        ops,
		discs:      discs,
		gateway:    gateway,
	}
}

// addSyncedTicket creates a ticket that exists identically on both
// sides, registered on the ledger under its own reference.
func (f *reconcilerFixture) addSyncedTicket(t *testing.T) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{
		ID:               uuid.New(),
		EventID:          uuid.New(),
		OwnerID:          "alice",
		Location:         ledger.LocationOutside,
		IsValid:          true,
		LedgerSyncStatus: models.SyncSynced,
	}
	require.NoError(t, f.tickets.Create(context.Background(), nil, ticket))

	require.NoError(t, f.ops.Enqueue(context.Background(), nil, registerOpFor(t, ticket)))
	_, err := f.dispatcher.Drain(context.Background())
	require.NoError(t, err)

	stored, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LedgerAccountRef)
	return stored
}

func registerOpFor(t *testing.T, ticket *models.Ticket) *models.LedgerOperation {
	t.Helper()
	payload := mustJSON(t, ledger.RegisterPayload{
		TicketRef: ticket.ID.String(),
		EventRef:  ticket.EventID.String(),
		OwnerRef:  ticket.OwnerID,
	})
	return &models.LedgerOperation{
		Fingerprint: registerFingerprint(ticket.ID),
		Type:        ledger.OpRegister,
		TicketID:    &ticket.ID,
		Payload:     payload,
		Status:      models.OperationPending,
	}
}

func TestReconcileAgreementResolvesHistory(t *testing.T) {
	f := newReconcilerFixture(t)
	ticket := f.addSyncedTicket(t)

	// A stale open record from an earlier divergence.
	require.NoError(t, f.discs.Create(context.Background(), &models.DiscrepancyRecord{
		TicketID:    ticket.ID,
		Field:       "owner",
		DBValue:     "alice",
		LedgerValue: "mallory",
		Status:      models.DiscrepancyOpen,
		DetectedAt:  time.Now(),
	}))

	report, err := f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.TicketsChecked)
	require.Zero(t, report.Found)
	require.Equal(t, 1, report.Resolved)

	rec := f.discs.byField(ticket.ID, "owner")
	require.NotNil(t, rec)
	require.Equal(t, models.DiscrepancyResolved, rec.Status)
	require.NotNil(t, rec.ResolvedAt)
}

func TestReconcileSkipsTicketsWithInFlightOperations(t *testing.T) {
	f := newReconcilerFixture(t)
	ticket := f.addSyncedTicket(t)

	// Pending scan op: any mismatch is expected replication lag.
	payload := mustJSON(t, ledger.RecordScanPayload{
		TicketRef: ticket.ID.String(),
		Scan:      ledger.ScanEntry,
		DeviceID:  "gate-1",
	})
	require.NoError(t, f.ops.Enqueue(context.Background(), nil, &models.LedgerOperation{
		Fingerprint: scanFingerprint(ticket.ID, ledger.ScanEntry, "gate-1", time.Now().UnixNano()),
		Type:        ledger.OpRecordScan,
		TicketID:    &ticket.ID,
		Payload:     payload,
		Status:      models.OperationPending,
	}))

	// The database already moved; the ledger has not.
	ticket.Location = ledger.LocationInside
	ticket.ScanCount = 1
	require.NoError(t, f.tickets.Save(context.Background(), nil, ticket))

	report, err := f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.SkippedInFlight)
	require.Zero(t, report.Found)
	require.Nil(t, f.discs.byField(ticket.ID, "location"))
}

func TestReconcileDetectsAndHealsScanDivergence(t *testing.T) {
	f := newReconcilerFixture(t)
	ticket := f.addSyncedTicket(t)

	// Scan accepted locally; the outbox entry was confirmed but the
	// ledger state was later corrupted.
	now := time.Now().UTC()
	require.NoError(t, f.scans.Create(context.Background(), nil, &models.ScanRecord{
		ID:                uuid.New(),
		TicketID:          ticket.ID,
		ScanType:          ledger.ScanEntry,
		DeviceID:          "gate-1",
		PriorLocation:     ledger.LocationOutside,
		ResultingLocation: ledger.LocationInside,
		ScannedAt:         now,
	}))
	ticket.Location = ledger.LocationInside
	ticket.ScanCount = 1
	require.NoError(t, f.tickets.Save(context.Background(), nil, ticket))

	// Ledger still shows the pre-scan state.
	report, err := f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Found, "location and scan_count both diverge")
	require.Equal(t, 1, report.Healed, "only the location diff drives a heal")

	rec := f.discs.byField(ticket.ID, "location")
	require.NotNil(t, rec)
	require.Equal(t, models.DiscrepancyAutoHealed, rec.Status)
	require.Equal(t, 1, rec.HealAttempts)

	// The heal replays the latest accepted scan through the outbox.
	healOps, err := f.ops.ListByStatus(context.Background(), models.OperationPending, 10)
	require.NoError(t, err)
	require.Len(t, healOps, 1)
	require.Equal(t, ledger.OpRecordScan, healOps[0].Type)

	// The bare count diff stays open for review.
	countRec := f.discs.byField(ticket.ID, "scan_count")
	require.NotNil(t, countRec)
	require.Equal(t, models.DiscrepancyOpen, countRec.Status)

	// Dispatching the heal converges the mirror.
	_, err = f.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	snap, err := f.gateway.Read(context.Background(), ticket.ID.String())
	require.NoError(t, err)
	require.Equal(t, ledger.LocationInside, snap.Location)
	require.Equal(t, 1, snap.ScanCount)
}

func TestReconcileEscalatesRecurringDivergence(t *testing.T) {
	f := newReconcilerFixture(t)
	ticket := f.addSyncedTicket(t)

	ticket.OwnerID = "bob"
	ticket.TransferCount = 1
	require.NoError(t, f.tickets.Save(context.Background(), nil, ticket))

	// First pass: detected and auto-healed.
	report, err := f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Found)

	rec := f.discs.byField(ticket.ID, "owner")
	require.NotNil(t, rec)
	require.Equal(t, models.DiscrepancyAutoHealed, rec.Status)

	// The heal confirms on the ledger, but something reverts the owner
	// behind our back before the next pass.
	_, err = f.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	f.gateway.Corrupt(ticket.ID.String(), func(s *ledger.TicketSnapshot) {
		s.OwnerRef = "mallory"
	})

	report, err = f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Escalated)

	rec = f.discs.byField(ticket.ID, "owner")
	require.NotNil(t, rec)
	require.Equal(t, models.DiscrepancyEscalated, rec.Status)
}

func TestReconcileHealsMissingLedgerAccount(t *testing.T) {
	f := newReconcilerFixture(t)

	// Account ref recorded, but the ledger has no such account.
	accountRef := uuid.New().String()
	ticket := &models.Ticket{
		ID:               uuid.New(),
		EventID:          uuid.New(),
		OwnerID:          "alice",
		Location:         ledger.LocationOutside,
		IsValid:          true,
		LedgerSyncStatus: models.SyncSynced,
		LedgerAccountRef: &accountRef,
	}
	require.NoError(t, f.tickets.Create(context.Background(), nil, ticket))

	report, err := f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Found)
	require.Equal(t, 1, report.Healed)

	rec := f.discs.byField(ticket.ID, "registered")
	require.NotNil(t, rec)
	require.Equal(t, models.DiscrepancyAutoHealed, rec.Status)

	healOps, err := f.ops.ListByStatus(context.Background(), models.OperationPending, 10)
	require.NoError(t, err)
	require.Len(t, healOps, 1)
	require.Equal(t, ledger.OpRegister, healOps[0].Type)
}

func TestReconcileReenqueuesLostRegistration(t *testing.T) {
	f := newReconcilerFixture(t)

	// No account ref, no outbox entry: the registration intent was lost.
	ticket := &models.Ticket{
		ID:               uuid.New(),
		EventID:          uuid.New(),
		OwnerID:          "alice",
		Location:         ledger.LocationOutside,
		IsValid:          true,
		LedgerSyncStatus: models.SyncPending,
	}
	require.NoError(t, f.tickets.Create(context.Background(), nil, ticket))

	report, err := f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Healed)

	op, err := f.ops.GetByFingerprint(context.Background(), registerFingerprint(ticket.ID))
	require.NoError(t, err)
	require.Equal(t, ledger.OpRegister, op.Type)

	// Dispatch completes the registration end to end.
	_, err = f.dispatcher.Drain(context.Background())
	require.NoError(t, err)
	snap, err := f.gateway.Read(context.Background(), ticket.ID.String())
	require.NoError(t, err)
	require.Equal(t, "alice", snap.OwnerRef)
}

func TestReconcileLeavesFailedRegistrationToOperators(t *testing.T) {
	f := newReconcilerFixture(t)

	ticket := &models.Ticket{
		ID:               uuid.New(),
		EventID:          uuid.New(),
		OwnerID:          "alice",
		Location:         ledger.LocationOutside,
		IsValid:          true,
		LedgerSyncStatus: models.SyncFailed,
	}
	require.NoError(t, f.tickets.Create(context.Background(), nil, ticket))

	report, err := f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Healed)

	_, err = f.ops.GetByFingerprint(context.Background(), registerFingerprint(ticket.ID))
	require.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestReconcileDoesNotMutateTicketRows(t *testing.T) {
	f := newReconcilerFixture(t)
	ticket := f.addSyncedTicket(t)

	f.gateway.Corrupt(ticket.ID.String(), func(s *ledger.TicketSnapshot) {
		s.IsValid = false
	})

	before, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)

	_, err = f.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)

	after, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Equal(t, before.IsValid, after.IsValid, "the database stays authoritative")
	require.Equal(t, before.Location, after.Location)
	require.Equal(t, before.OwnerID, after.OwnerID)
}
