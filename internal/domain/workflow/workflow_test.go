package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/domain/access"
	"github.com/medshare/medshare/internal/domain/sharing"
	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/internal/platform/blobstore"
	"github.com/medshare/medshare/internal/platform/db"
	"github.com/medshare/medshare/internal/platform/recordstore"
)

// -- Mock Record Store --

type mockRecordStore struct {
	mu       sync.Mutex
	patients map[string]*recordstore.Patient
	records  map[string][]recordstore.MedicalRecord
	calls    []string
}

func newMockRecordStore() *mockRecordStore {
	return &mockRecordStore{
		patients: map[string]*recordstore.Patient{
			"PHN-001": {PersonalHealthNo: "PHN-001", Name: "Nimal Perera"},
			"PHN-002": {PersonalHealthNo: "PHN-002", Name: "Kamala Silva"},
		},
		records: map[string][]recordstore.MedicalRecord{
			"PHN-001": {{RecordID: "r-1", PatientPHN: "PHN-001", RecordType: "lab", Summary: "CBC"}},
			"PHN-002": {
				{RecordID: "r-2", PatientPHN: "PHN-002", RecordType: "imaging", Summary: "Chest X-ray"},
				{RecordID: "r-3", PatientPHN: "PHN-002", RecordType: "lab", Summary: "Troponin"},
			},
		},
	}
}

func (m *mockRecordStore) LookupPatient(_ context.Context, search string) (*recordstore.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if search == "" {
		return nil, apperr.Validation("search term is required")
	}
	p, ok := m.patients[search]
	if !ok {
		return nil, apperr.NotFound("patient not found")
	}
	return p, nil
}

func (m *mockRecordStore) ListMedicalRecords(_ context.Context, phn string) ([]recordstore.MedicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, phn)
	return m.records[phn], nil
}

type fixture struct {
	svc     *Service
	blobs   *blobstore.FSStore
	records *mockRecordStore
	ledger  *access.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := access.NewLedger(access.NewInMemoryRequestRepo(), access.NewInMemoryGrantRepo(), db.PassthroughTransactor{},
		access.WithEmergencyTTL(24*time.Hour))
	blobs := blobstore.NewMemoryStore(1 << 20)
	log := sharing.NewLog(sharing.NewInMemoryTransactionRepo(), sharing.NewInMemoryRecordRequestRepo(), blobs, db.PassthroughTransactor{})
	records := newMockRecordStore()
	return &fixture{
		svc:     NewService(ledger, access.NewEvaluator(ledger), log, records, zerolog.Nop()),
		blobs:   blobs,
		records: records,
		ledger:  ledger,
	}
}

var (
	drSilva   = auth.Identity{Subject: "u-dr", PartyKind: auth.KindProfessional, PartyID: "SLMC-123"}
	drOther   = auth.Identity{Subject: "u-dr2", PartyKind: auth.KindProfessional, PartyID: "SLMC-777"}
	cityHosp  = auth.Identity{Subject: "u-inst", PartyKind: auth.KindInstitute, PartyID: "INST-9"}
	patient1  = auth.Identity{Subject: "u-p1", PartyKind: auth.KindPatient, PartyID: "PHN-001"}
	patient2  = auth.Identity{Subject: "u-p2", PartyKind: auth.KindPatient, PartyID: "PHN-002"}
	adminUser = auth.Identity{Subject: "u-admin", PartyKind: auth.KindAdmin, Roles: []string{"admin"}}
)
