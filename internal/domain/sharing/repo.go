package sharing

import (
	"context"

	"github.com/google/uuid"
)

type TransactionRepository interface {
	Create(ctx context.Context, t *SharedRecordTransaction) error
	// ListForParty returns transactions party sent or received, newest first.
	ListForParty(ctx context.Context, party Party, limit, offset int) ([]*SharedRecordTransaction, int, error)
	ListByDocument(ctx context.Context, documentID string) ([]*SharedRecordTransaction, error)
}

type RecordRequestRepository interface {
	Create(ctx context.Context, r *RecordRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*RecordRequest, error)
	// Fulfil links an open request to the transaction that answered it. It
	// returns nil, nil when no open request with that id exists.
	Fulfil(ctx context.Context, id, transactionID uuid.UUID) (*RecordRequest, error)
	ListForParty(ctx context.Context, party Party, limit, offset int) ([]*RecordRequest, int, error)
}
