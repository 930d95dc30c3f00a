package sharing

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/blobstore"
	"github.com/medshare/medshare/internal/platform/db"
	"github.com/medshare/medshare/internal/platform/metrics"
	"github.com/medshare/medshare/internal/platform/notification"
	"github.com/medshare/medshare/pkg/pagination"
)

// Notifier enqueues a templated notification for a recipient.
type Notifier interface {
	Notify(ctx context.Context, recipient, templateID string, data map[string]string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, map[string]string) error { return nil }

type Option func(*Log)

func WithNotifier(n Notifier) Option {
	return func(l *Log) { l.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

func WithPageSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Log records explicit one-way record transfers and the record requests
// they may answer. Transfers need no approval and take effect immediately.
type Log struct {
	txs      TransactionRepository
	requests RecordRequestRepository
	blobs    blobstore.BlobStore
	tx       db.Transactor

	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	pageSize int
	now      func() time.Time
}

func NewLog(txs TransactionRepository, requests RecordRequestRepository, blobs blobstore.BlobStore, tx db.Transactor, opts ...Option) *Log {
	l := &Log{
		txs:      txs,
		requests: requests,
		blobs:    blobs,
		tx:       tx,
		notifier: nopNotifier{},
		logger:   zerolog.Nop(),
		pageSize: pagination.DefaultLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Send appends a transaction. The document, if any, is streamed to the blob
// store first and removed again if the transaction cannot be recorded.
func (l *Log) Send(ctx context.Context, in SendInput) (*SharedRecordTransaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	if in.RecordRequestID != nil {
		rr, err := l.requests.GetByID(ctx, *in.RecordRequestID)
		if err != nil {
			return nil, err
		}
		if rr.Provider != in.Sender {
			return nil, apperr.Forbidden("record request is addressed to another provider")
		}
		if rr.Status != RequestOpen {
			return nil, apperr.InvalidState("record request is already %s", rr.Status)
		}
	}

	t := &SharedRecordTransaction{
		Sender:          in.Sender,
		Receiver:        in.Receiver,
		PatientPHN:      in.PatientPHN,
		RecordType:      in.RecordType,
		Notes:           in.Notes,
		RecordRequestID: in.RecordRequestID,
	}

	if in.Document != nil && in.Document.Content != nil {
		meta, err := l.blobs.Put(ctx, blobstore.Metadata{
			FileName:    in.Document.FileName,
			ContentType: in.Document.ContentType,
			PatientPHN:  in.PatientPHN,
			CreatedBy:   in.Sender.String(),
		}, in.Document.Content)
		if err != nil {
			return nil, uploadError(err)
		}
		t.Document = &Document{
			ID:          meta.ID,
			Name:        meta.FileName,
			ContentType: meta.ContentType,
			Size:        meta.Size,
			Hash:        meta.Hash,
		}
	}

	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		t.CreatedAt = l.now().UTC()
		if err := l.txs.Create(ctx, t); err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}
		if t.RecordRequestID != nil {
			rr, err := l.requests.Fulfil(ctx, *t.RecordRequestID, t.ID)
			if err != nil {
				return fmt.Errorf("fulfil record request: %w", err)
			}
			if rr == nil {
				return apperr.InvalidState("record request is no longer open")
			}
		}
		return l.notifier.Notify(ctx, notification.Recipient(t.Receiver.Kind, t.Receiver.ID),
			notification.TemplateRecordReceived, map[string]string{
				"sender_kind":    t.Sender.Kind,
				"sender_id":      t.Sender.ID,
				"patient_phn":    t.PatientPHN,
				"record_type":    t.RecordType,
				"transaction_id": t.ID.String(),
			})
	})
	if err != nil {
		if t.Document != nil {
			if derr := l.blobs.Delete(context.WithoutCancel(ctx), t.Document.ID); derr != nil {
				l.logger.Error().Err(derr).Str("blob_id", t.Document.ID).Msg("orphaned blob after failed send")
			}
		}
		return nil, err
	}

	l.metrics.RecordShared(t.Sender.Kind, t.Receiver.Kind)
	ev := l.logger.Info().
		Str("transaction_id", t.ID.String()).
		Str("sender", t.Sender.String()).
		Str("receiver", t.Receiver.String()).
		Str("patient_phn", t.PatientPHN).
		Str("record_type", t.RecordType)
	if t.Document != nil {
		ev = ev.Str("blob_id", t.Document.ID).Int64("size", t.Document.Size)
	}
	ev.Msg("record_sent")
	return t, nil
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return apperr.Wrap(apperr.KindValidation, err, "file exceeds the maximum upload size")
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return apperr.Wrap(apperr.KindValidation, err, "file type is not accepted")
	case errors.Is(err, blobstore.ErrMissingFileName):
		return apperr.Wrap(apperr.KindValidation, err, "file name is required")
	default:
		return fmt.Errorf("store document: %w", err)
	}
}

// ListFor yields transactions party sent or received, newest first.
func (l *Log) ListFor(ctx context.Context, party Party) iter.Seq2[*SharedRecordTransaction, error] {
	return pagination.Seq(ctx, l.pageSize, func(ctx context.Context, limit, offset int) ([]*SharedRecordTransaction, int, error) {
		return l.txs.ListForParty(ctx, party, limit, offset)
	})
}

func (l *Log) ListForPage(ctx context.Context, party Party, limit, offset int) ([]*SharedRecordTransaction, int, error) {
	return l.txs.ListForParty(ctx, party, limit, offset)
}

// TransactionsForDocument lists the transactions that carried a blob.
func (l *Log) TransactionsForDocument(ctx context.Context, documentID string) ([]*SharedRecordTransaction, error) {
	return l.txs.ListByDocument(ctx, documentID)
}

// RequestRecord asks a provider to send a patient's record.
func (l *Log) RequestRecord(ctx context.Context, in RecordRequestInput) (*RecordRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	rr := &RecordRequest{
		Requester:  in.Requester,
		Provider:   in.Provider,
		PatientPHN: in.PatientPHN,
		RecordType: in.RecordType,
		Purpose:    in.Purpose,
	}
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		rr.CreatedAt = l.now().UTC()
		if err := l.requests.Create(ctx, rr); err != nil {
			return fmt.Errorf("record request: %w", err)
		}
		return l.notifier.Notify(ctx, notification.Recipient(rr.Provider.Kind, rr.Provider.ID),
			notification.TemplateRecordRequested, map[string]string{
				"requester_kind": rr.Requester.Kind,
				"requester_id":   rr.Requester.ID,
				"patient_phn":    rr.PatientPHN,
				"record_type":    rr.RecordType,
				"purpose":        rr.Purpose,
				"request_id":     rr.ID.String(),
			})
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordRequested(rr.Provider.Kind)
	l.logger.Info().
		Str("record_request_id", rr.ID.String()).
		Str("requester", rr.Requester.String()).
		Str("provider", rr.Provider.String()).
		Str("patient_phn", rr.PatientPHN).
		Msg("record_requested")
	return rr, nil
}

func (l *Log) GetRecordRequest(ctx context.Context, id uuid.UUID) (*RecordRequest, error) {
	return l.requests.GetByID(ctx, id)
}

// ListRecordRequestsFor yields record requests party made or received.
func (l *Log) ListRecordRequestsFor(ctx context.Context, party Party) iter.Seq2[*RecordRequest, error] {
	return pagination.Seq(ctx, l.pageSize, func(ctx context.Context, limit, offset int) ([]*RecordRequest, int, error) {
		return l.requests.ListForParty(ctx, party, limit, offset)
	})
}

func (l *Log) ListRecordRequestsForPage(ctx context.Context, party Party, limit, offset int) ([]*RecordRequest, int, error) {
	return l.requests.ListForParty(ctx, party, limit, offset)
}
