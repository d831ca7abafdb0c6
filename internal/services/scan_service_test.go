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
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

type scanFixture struct {
	service *ScanService
	tickets *fakeTicketRepo
	scans   *fakeScanRepo
	ops     *fakeOperationRepo
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	tickets := newFakeTicketRepo()
	scans := newFakeScanRepo()
	ops := newFakeOperationRepo()
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	service := NewScanService(fakeTransactor{}, tickets, scans, ops,
		nil, metrics.NewMetrics(), tracer, 5*time.Second)
	return &scanFixture{service: service, tickets: tickets, scans: scans, ops: ops}
}

func (f *scanFixture) addTicket(t *testing.T, location ledger.Location, valid bool) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{
		ID:       uuid.New(),
		EventID:  uuid.New(),
		OwnerID:  "alice",
		Location: location,
		IsValid:  valid,
	}
	require.NoError(t, f.tickets.Create(context.Background(), nil, ticket))
	return ticket
}

func TestProcessScanAdmitsEntry(t *testing.T) {
	f := newScanFixture(t)
	ticket := f.addTicket(t, ledger.LocationOutside, true)

	result, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID: ticket.ID,
		ScanType: ledger.ScanEntry,
		Zone:     "north-gate",
		DeviceID: "gate-1",
	})
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, ReasonAdmitted, result.Reason)
	require.Equal(t, ledger.LocationInside, result.Location)
	require.Equal(t, 1, result.ScanCount)

	stored, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.LocationInside, stored.Location)
	require.Equal(t, 1, stored.ScanCount)
	require.NotNil(t, stored.FirstEntryAt)
	require.NotNil(t, stored.LastScanAt)

	// One audit record and one outbox entry, both in the same commit.
	records, err := f.scans.ListByTicket(context.Background(), ticket.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ledger.LocationOutside, records[0].PriorLocation)
	require.Equal(t, ledger.LocationInside, records[0].ResultingLocation)

	pending := f.ops.all()
	require.Len(t, pending, 1)
	require.Equal(t, ledger.OpRecordScan, pending[0].Type)
	require.Equal(t, models.OperationPending, pending[0].Status)
}

func TestProcessScanFullRoundTrip(t *testing.T) {
	f := newScanFixture(t)
	ticket := f.addTicket(t, ledger.LocationOutside, true)

	base := time.Now().UTC()
	steps := []struct {
		scan ledger.ScanType
		to   ledger.Location
	}{
		{ledger.ScanEntry, ledger.LocationInside},
		{ledger.ScanVipIn, ledger.LocationVIP},
		{ledger.ScanVipOut, ledger.LocationInside},
		{ledger.ScanBackstageIn, ledger.LocationBackstage},
		{ledger.ScanBackstageOut, ledger.LocationInside},
		{ledger.ScanExit, ledger.LocationOutside},
		{ledger.ScanReentry, ledger.LocationInside},
	}

	for i, step := range steps {
		result, err := f.service.Process(context.Background(), &ScanRequest{
			TicketID:  ticket.ID,
			ScanType:  step.scan,
			DeviceID:  "gate-1",
			ScannedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err, "step %d %s", i, step.scan)
		require.True(t, result.Allowed, "step %d %s", i, step.scan)
		require.Equal(t, step.to, result.Location)
		require.Equal(t, i+1, result.ScanCount)
	}

	require.Len(t, f.ops.all(), len(steps))
}

func TestProcessScanDeniesInvalidTransition(t *testing.T) {
	f := newScanFixture(t)
	ticket := f.addTicket(t, ledger.LocationInside, true)

	result, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID: ticket.ID,
		ScanType: ledger.ScanEntry,
		DeviceID: "gate-1",
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, ReasonInvalidTransition, result.Reason)
	require.Equal(t, ledger.LocationInside, result.Location)

	// A denied scan writes nothing.
	stored, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Equal(t, 0, stored.ScanCount)
	require.Empty(t, f.ops.all())
	records, err := f.scans.ListByTicket(context.Background(), ticket.ID, 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestProcessScanDeniesInvalidatedTicket(t *testing.T) {
	f := newScanFixture(t)
	ticket := f.addTicket(t, ledger.LocationOutside, false)

	result, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID: ticket.ID,
		ScanType: ledger.ScanEntry,
		DeviceID: "gate-1",
	})
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, ReasonTicketInvalidated, result.Reason)
	require.Empty(t, f.ops.all())
}

func TestProcessScanSuppressesDuplicateWithinWindow(t *testing.T) {
	f := newScanFixture(t)
	ticket := f.addTicket(t, ledger.LocationOutside, true)
	at := time.Now().UTC()

	first, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID:  ticket.ID,
		ScanType:  ledger.ScanEntry,
		DeviceID:  "gate-1",
		ScannedAt: at,
	})
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// Identical triple two seconds later: duplicate, not a transition
	// error, and no second outbox entry.
	second, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID:  ticket.ID,
		ScanType:  ledger.ScanEntry,
		DeviceID:  "gate-1",
		ScannedAt: at.Add(2 * time.Second),
	})
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.Equal(t, ReasonDuplicateScan, second.Reason)
	require.Len(t, f.ops.all(), 1)

	stored, err := f.tickets.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.ScanCount)
}

func TestProcessScanSameTypeOutsideWindowIsJudgedOnMerits(t *testing.T) {
	f := newScanFixture(t)
	ticket := f.addTicket(t, ledger.LocationOutside, true)
	at := time.Now().UTC()

	first, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID:  ticket.ID,
		ScanType:  ledger.ScanEntry,
		DeviceID:  "gate-1",
		ScannedAt: at,
	})
	require.NoError(t, err)
	require.True(t, first.Allowed)

	// Past the window the same scan is no longer a duplicate; it is an
	// invalid transition because the ticket is already inside.
	second, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID:  ticket.ID,
		ScanType:  ledger.ScanEntry,
		DeviceID:  "gate-1",
		ScannedAt: at.Add(time.Minute),
	})
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.Equal(t, ReasonInvalidTransition, second.Reason)
}

func TestProcessScanUnknownScanType(t *testing.T) {
	f := newScanFixture(t)
	ticket := f.addTicket(t, ledger.LocationOutside, true)

	_, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID: ticket.ID,
		ScanType: ledger.ScanType("TELEPORT"),
		DeviceID: "gate-1",
	})
	require.ErrorIs(t, err, ledger.ErrUnknownScanType)
}

func TestProcessScanUnknownTicket(t *testing.T) {
	f := newScanFixture(t)

	_, err := f.service.Process(context.Background(), &ScanRequest{
		TicketID: uuid.New(),
		ScanType: ledger.ScanEntry,
		DeviceID: "gate-1",
	})
	require.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestScanFingerprintIsStable(t *testing.T) {
	id := uuid.New()
	at := time.Now().UnixNano()

	a := scanFingerprint(id, ledger.ScanEntry, "gate-1", at)
	b := scanFingerprint(id, ledger.ScanEntry, "gate-1", at)
	require.Equal(t, a, b)

	require.NotEqual(t, a, scanFingerprint(id, ledger.ScanEntry, "gate-2", at))
	require.NotEqual(t, a, scanFingerprint(id, ledger.ScanExit, "gate-1", at))
	require.NotEqual(t, a, scanFingerprint(id, ledger.ScanEntry, "gate-1", at+1))
}
