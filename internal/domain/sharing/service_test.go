package sharing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/blobstore"
	"github.com/medshare/medshare/internal/platform/db"
	"github.com/medshare/medshare/internal/platform/metrics"
	"github.com/medshare/medshare/internal/platform/notification"
	"github.com/medshare/medshare/pkg/pagination"
)

type fixture struct {
	txs      *InMemoryTransactionRepo
	requests *InMemoryRecordRequestRepo
	blobs    *blobstore.FSStore
	outbox   *notification.MemoryOutbox
	log      *Log
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		txs:      NewInMemoryTransactionRepo(),
		requests: NewInMemoryRecordRequestRepo(),
		blobs:    blobstore.NewMemoryStore(1 << 10),
		outbox:   notification.NewMemoryOutbox(),
	}
	m := metrics.New()
	tick := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	base := []Option{
		WithNotifier(notification.NewNotifier(notification.NewTemplateEngine(), f.outbox, m, zerolog.Nop())),
		WithMetrics(m),
		WithClock(func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		}),
	}
	f.log = NewLog(f.txs, f.requests, f.blobs, db.PassthroughTransactor{}, append(base, opts...)...)
	return f
}

func pdf(body string) *Upload {
	return &Upload{FileName: "lab.pdf", ContentType: "application/pdf", Content: strings.NewReader(body)}
}

func labSend(doc *Upload) SendInput {
	return SendInput{
		Sender:          Professional("SLMC-123"),
		Receiver:        Institute("INST-9"),
		PatientPHN:      "PHN-001",
		RecordType:      "lab-result",
		Notes:           "fasting glucose",
		Document:        doc,
		RequireDocument: true,
	}
}

func TestSend_WithoutFileFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.log.Send(context.Background(), labSend(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	items, total, err := f.txs.ListForParty(context.Background(), Institute("INST-9"), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestSend_WithoutFileAllowedWhenNotRequired(t *testing.T) {
	f := newFixture(t)
	in := labSend(nil)
	in.RequireDocument = false

	tx, err := f.log.Send(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, tx.Document)
}

func TestSend_AppendsAndIsListedForReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.log.Send(ctx, labSend(pdf("%PDF-1.4 glucose 5.1")))
	require.NoError(t, err)
	require.NotNil(t, tx.Document)
	assert.Equal(t, "lab.pdf", tx.Document.Name)
	assert.Equal(t, int64(len("%PDF-1.4 glucose 5.1")), tx.Document.Size)
	assert.Len(t, tx.Document.Hash, 64)
	assert.Equal(t, "/api/blobs/"+tx.Document.ID, tx.Document.FilePath())

	for _, party := range []Party{Institute("INST-9"), Professional("SLMC-123")} {
		got, err := pagination.Collect(f.log.ListFor(ctx, party))
		require.NoError(t, err)
		require.Len(t, got, 1, party.String())
		assert.Equal(t, tx.ID, got[0].ID)
	}

	rc, meta, err := f.blobs.Open(ctx, tx.Document.ID)
	require.NoError(t, err)
	defer rc.Close()
	content, _ := io.ReadAll(rc)
	assert.Equal(t, "%PDF-1.4 glucose 5.1", string(content))
	assert.Equal(t, "PHN-001", meta.PatientPHN)
	assert.Equal(t, "professional:SLMC-123", meta.CreatedBy)

	msgs := f.outbox.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, "institute:INST-9", msgs[0].Recipient)
	assert.Equal(t, notification.TemplateRecordReceived, msgs[0].TemplateID)

	docs, err := f.log.TransactionsForDocument(ctx, tx.Document.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestSend_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SendInput)
	}{
		{"missing receiver", func(in *SendInput) { in.Receiver.ID = " " }},
		{"unknown receiver kind", func(in *SendInput) { in.Receiver.Kind = "patient" }},
		{"missing phn", func(in *SendInput) { in.PatientPHN = "" }},
		{"missing record type", func(in *SendInput) { in.RecordType = "" }},
		{"missing sender", func(in *SendInput) { in.Sender.ID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := labSend(pdf("%PDF-1.4"))
			tt.mutate(&in)
			_, err := f.log.Send(context.Background(), in)
			assert.True(t, errors.Is(err, apperr.ErrValidation), "got %v", err)
		})
	}
}

func TestSend_UploadRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.log.Send(context.Background(), labSend(&Upload{FileName: "big.pdf", ContentType: "application/pdf", Content: bytes.NewReader(make([]byte, 2<<10))}))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.True(t, errors.Is(err, blobstore.ErrFileTooLarge))

	_, err = f.log.Send(context.Background(), labSend(&Upload{FileName: "run.exe", ContentType: "application/x-msdownload", Content: strings.NewReader("MZ")}))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

// failingTxRepo refuses every insert.
type failingTxRepo struct {
	*InMemoryTransactionRepo
}

func (failingTxRepo) Create(context.Context, *SharedRecordTransaction) error {
	return errors.New("insert failed")
}

func TestSend_InsertFailureRemovesBlob(t *testing.T) {
	f := newFixture(t)
	f.log.txs = failingTxRepo{f.txs}

	var blobID string
	f.log.blobs = &recordingStore{FSStore: f.blobs, onPut: func(id string) { blobID = id }}

	_, err := f.log.Send(context.Background(), labSend(pdf("%PDF-1.4")))
	require.Error(t, err)
	require.NotEmpty(t, blobID)

	_, err = f.blobs.Stat(context.Background(), blobID)
	assert.ErrorIs(t, err, blobstore.ErrBlobNotFound)
}

type recordingStore struct {
	*blobstore.FSStore
	onPut func(id string)
}

func (s *recordingStore) Put(ctx context.Context, meta blobstore.Metadata, r io.Reader) (*blobstore.Metadata, error) {
	out, err := s.FSStore.Put(ctx, meta, r)
	if err == nil {
		s.onPut(out.ID)
	}
	return out, err
}

func TestRequestRecordAndFulfil(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rr, err := f.log.RequestRecord(ctx, RecordRequestInput{
		Requester:  Institute("INST-9"),
		Provider:   Professional("SLMC-123"),
		PatientPHN: "PHN-001",
		RecordType: "lab-result",
		Purpose:    "surgery prep",
	})
	require.NoError(t, err)
	assert.Equal(t, RequestOpen, rr.Status)

	msgs := f.outbox.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, "professional:SLMC-123", msgs[0].Recipient)
	assert.Equal(t, notification.TemplateRecordRequested, msgs[0].TemplateID)

	in := labSend(pdf("%PDF-1.4"))
	in.RecordRequestID = &rr.ID
	tx, err := f.log.Send(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, tx.RecordRequestID)

	got, err := f.log.GetRecordRequest(ctx, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestFulfilled, got.Status)
	require.NotNil(t, got.FulfilledBy)
	assert.Equal(t, tx.ID, *got.FulfilledBy)

	// A second answer is refused and leaves no transaction or blob behind.
	again := labSend(pdf("%PDF-1.4"))
	again.RecordRequestID = &rr.ID
	_, err = f.log.Send(ctx, again)
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))

	items, err := pagination.Collect(f.log.ListFor(ctx, Institute("INST-9")))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSend_RecordRequestChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rr, err := f.log.RequestRecord(ctx, RecordRequestInput{
		Requester:  Institute("INST-9"),
		Provider:   Professional("SLMC-777"),
		PatientPHN: "PHN-001",
		RecordType: "imaging",
	})
	require.NoError(t, err)

	in := labSend(pdf("%PDF-1.4"))
	in.RecordRequestID = &rr.ID
	_, err = f.log.Send(ctx, in)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "only the provider answers a request")

	missing := uuid.New()
	in = labSend(pdf("%PDF-1.4"))
	in.RecordRequestID = &missing
	_, err = f.log.Send(ctx, in)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPartiesWithSameIDAreDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rr, err := f.log.RequestRecord(ctx, RecordRequestInput{
		Requester:  Professional("SLMC-5"),
		Provider:   Institute("100"),
		PatientPHN: "PHN-001",
		RecordType: "lab-result",
	})
	require.NoError(t, err)

	in := labSend(pdf("%PDF-1.4"))
	in.Sender = Professional("100")
	in.Receiver = Professional("SLMC-5")
	in.RecordRequestID = &rr.ID
	_, err = f.log.Send(ctx, in)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "professional 100 cannot answer a request addressed to institute 100")

	in.Sender = Institute("100")
	tx, err := f.log.Send(ctx, in)
	require.NoError(t, err)

	sent, err := pagination.Collect(f.log.ListFor(ctx, Institute("100")))
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, tx.ID, sent[0].ID)

	other, err := pagination.Collect(f.log.ListFor(ctx, Professional("100")))
	require.NoError(t, err)
	assert.Empty(t, other)

	reqs, err := pagination.Collect(f.log.ListRecordRequestsFor(ctx, Professional("100")))
	require.NoError(t, err)
	assert.Empty(t, reqs)

	reqs, err = pagination.Collect(f.log.ListRecordRequestsFor(ctx, Institute("100")))
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, RequestFulfilled, reqs[0].Status)
}

func TestRequestRecord_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.log.RequestRecord(context.Background(), RecordRequestInput{
		Requester:  Professional("SLMC-1"),
		Provider:   Institute(""),
		PatientPHN: "PHN-001",
		RecordType: "lab",
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.log.RequestRecord(context.Background(), RecordRequestInput{
		Requester:  Professional("SLMC-1"),
		Provider:   Institute("INST-2"),
		RecordType: "lab",
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestListRecordRequestsFor(t *testing.T) {
	f := newFixture(t, WithPageSize(1))
	ctx := context.Background()
	for _, provider := range []string{"SLMC-1", "SLMC-2"} {
		_, err := f.log.RequestRecord(ctx, RecordRequestInput{
			Requester: Institute("INST-9"), Provider: Professional(provider),
			PatientPHN: "PHN-001", RecordType: "lab",
		})
		require.NoError(t, err)
	}

	got, err := pagination.Collect(f.log.ListRecordRequestsFor(ctx, Institute("INST-9")))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "SLMC-2", got[0].Provider.ID)

	items, total, err := f.log.ListRecordRequestsForPage(ctx, Professional("SLMC-1"), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Institute ")
	require.NoError(t, err)
	assert.Equal(t, KindInstitute, k)

	k, err = ParseKind("professional")
	require.NoError(t, err)
	assert.Equal(t, KindProfessional, k)

	_, err = ParseKind("hospital")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
