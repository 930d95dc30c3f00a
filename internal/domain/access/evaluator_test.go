package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medshare/medshare/internal/platform/apperr"
	"github.com/medshare/medshare/internal/platform/notification"
	"github.com/medshare/medshare/pkg/pagination"
)

func TestScenario_RoutineRequestApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.evaluator.Evaluate(ctx, SubmitInput{
		RequesterID: "SLMC-123", RequesterKind: KindProfessional,
		PatientPHN: "PHN-001", Purpose: "routine checkup",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequestCreated, ev.Outcome)
	require.NotNil(t, ev.Request)
	assert.Equal(t, StatusPending, ev.Request.Status)

	has, err := f.evaluator.HasAccess(ctx, KindProfessional, "SLMC-123", "PHN-001")
	require.NoError(t, err)
	assert.False(t, has, "no access before the patient decides")

	_, err = f.ledger.Decide(ctx, DecideInput{RequestID: ev.Request.ID, Decision: StatusApproved, DeciderID: "PHN-001"})
	require.NoError(t, err)

	has, err = f.evaluator.HasAccess(ctx, KindProfessional, "SLMC-123", "PHN-001")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestScenario_EmergencyGrantsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.evaluator.Evaluate(ctx, SubmitInput{
		RequesterID: "INST-9", RequesterKind: KindInstitute,
		PatientPHN: "PHN-002", Purpose: "emergency admission", IsEmergency: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequestCreated, ev.Outcome)
	assert.Equal(t, StatusApproved, ev.Request.Status)
	require.NotNil(t, ev.Request.DecidedAt)
	assert.True(t, ev.Request.DecidedAt.Equal(ev.Request.CreatedAt))
	require.NotNil(t, ev.Grant)

	has, err := f.evaluator.HasAccess(ctx, KindInstitute, "INST-9", "PHN-002")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestEvaluate_RoundTripAlreadyGranted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := routine("SLMC-123", "PHN-001")

	ev, err := f.evaluator.Evaluate(ctx, in)
	require.NoError(t, err)
	_, err = f.ledger.Decide(ctx, DecideInput{RequestID: ev.Request.ID, Decision: StatusApproved, DeciderID: "PHN-001"})
	require.NoError(t, err)

	again, err := f.evaluator.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyGranted, again.Outcome)
	assert.Nil(t, again.Request)
	require.NotNil(t, again.Grant)
	requireCount(t, f, "PHN-001", 1)

	in.IsEmergency = true
	emergency, err := f.evaluator.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyGranted, emergency.Outcome, "an active grant wins over emergency")
	requireCount(t, f, "PHN-001", 1)

	series, err := testutil.GatherAndCount(f.metrics.Registry(), "medshare_access_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series)
}

func TestEvaluate_AlreadyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.evaluator.Evaluate(ctx, routine("SLMC-123", "PHN-001"))
	require.NoError(t, err)

	second, err := f.evaluator.Evaluate(ctx, routine("SLMC-123", "PHN-001"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequestAlreadyPending, second.Outcome)
	assert.Equal(t, first.Request.ID, second.Request.ID)
}

func TestEvaluate_EmergencyWithPendingRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.evaluator.Evaluate(ctx, routine("SLMC-123", "PHN-001"))
	require.NoError(t, err)

	in := routine("SLMC-123", "PHN-001")
	in.IsEmergency = true
	ev, err := f.evaluator.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequestCreated, ev.Outcome)
	assert.NotEqual(t, pending.Request.ID, ev.Request.ID)
	assert.Equal(t, StatusApproved, ev.Request.Status)

	still, err := f.ledger.Get(ctx, pending.Request.ID)
	require.NoError(t, err)
	assert.True(t, still.IsPending(), "the pending request stays for the patient")
}

func TestEvaluate_ValidationCreatesNothing(t *testing.T) {
	f := newFixture(t)
	in := routine("SLMC-123", "PHN-001")
	in.Purpose = ""

	_, err := f.evaluator.Evaluate(context.Background(), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	requireCount(t, f, "PHN-001", 0)
}

func TestHasAccess_Expiry(t *testing.T) {
	f := newFixture(t, WithEmergencyTTL(time.Hour))
	ctx := context.Background()
	in := SubmitInput{RequesterID: "INST-9", RequesterKind: KindInstitute, PatientPHN: "PHN-002", Purpose: "trauma", IsEmergency: true}

	_, err := f.evaluator.Evaluate(ctx, in)
	require.NoError(t, err)

	has, err := f.evaluator.HasAccess(ctx, KindInstitute, "INST-9", "PHN-002")
	require.NoError(t, err)
	assert.True(t, has)

	f.clock.Advance(2 * time.Hour)
	has, err = f.evaluator.HasAccess(ctx, KindInstitute, "INST-9", "PHN-002")
	require.NoError(t, err)
	assert.False(t, has, "expired grant gives no access")

	in.IsEmergency = false
	ev, err := f.evaluator.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequestCreated, ev.Outcome)
}

func TestRevokeGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.evaluator.Evaluate(ctx, routine("SLMC-123", "PHN-001"))
	require.NoError(t, err)
	d, err := f.ledger.Decide(ctx, DecideInput{RequestID: ev.Request.ID, Decision: StatusApproved, DeciderID: "PHN-001"})
	require.NoError(t, err)

	g, err := f.evaluator.RevokeGrant(ctx, d.Grant.ID, "PHN-001")
	require.NoError(t, err)
	require.NotNil(t, g.RevokedAt)
	assert.Equal(t, "PHN-001", *g.RevokedBy)

	has, err := f.evaluator.HasAccess(ctx, KindProfessional, "SLMC-123", "PHN-001")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = f.evaluator.RevokeGrant(ctx, d.Grant.ID, "PHN-001")
	assert.True(t, errors.Is(err, apperr.ErrInvalidState))

	_, err = f.evaluator.RevokeGrant(ctx, uuid.New(), "PHN-001")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	msgs := f.outbox.All()
	last := msgs[len(msgs)-1]
	assert.Equal(t, notification.TemplateGrantRevoked, last.TemplateID)
	assert.Equal(t, "professional:SLMC-123", last.Recipient)

	// After revocation a new submission starts the workflow again.
	again, err := f.evaluator.Evaluate(ctx, routine("SLMC-123", "PHN-001"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequestCreated, again.Outcome)
}

func TestListGrants(t *testing.T) {
	f := newFixture(t, WithPageSize(1))
	ctx := context.Background()
	for _, r := range []string{"INST-1", "INST-2"} {
		_, err := f.evaluator.Evaluate(ctx, SubmitInput{RequesterID: r, RequesterKind: KindInstitute, PatientPHN: "PHN-002", Purpose: "trauma", IsEmergency: true})
		require.NoError(t, err)
	}
	_, err := f.evaluator.Evaluate(ctx, SubmitInput{RequesterID: "INST-1", RequesterKind: KindInstitute, PatientPHN: "PHN-003", Purpose: "trauma", IsEmergency: true})
	require.NoError(t, err)

	grants, err := pagination.Collect(f.evaluator.ListGrantsForPatient(ctx, "PHN-002"))
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "INST-2", grants[0].RequesterID)

	active, err := f.evaluator.ActiveGrantsForRequester(ctx, KindInstitute, "INST-1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	items, total, err := f.evaluator.ListGrantsForPatientPage(ctx, "PHN-002", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, items, 2)

	got, err := f.evaluator.GetGrant(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, got.ID)
}

func TestEvaluate_GrantBelongsToRequesterKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.evaluator.Evaluate(ctx, routine("100", "PHN-001"))
	require.NoError(t, err)
	_, err = f.ledger.Decide(ctx, DecideInput{RequestID: ev.Request.ID, Decision: StatusApproved, DeciderID: "PHN-001"})
	require.NoError(t, err)

	has, err := f.evaluator.HasAccess(ctx, KindProfessional, "100", "PHN-001")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = f.evaluator.HasAccess(ctx, KindInstitute, "100", "PHN-001")
	require.NoError(t, err)
	assert.False(t, has, "institute 100 does not inherit professional 100's grant")

	active, err := f.evaluator.ActiveGrantsForRequester(ctx, KindInstitute, "100")
	require.NoError(t, err)
	assert.Empty(t, active)

	inst, err := f.evaluator.Evaluate(ctx, SubmitInput{
		RequesterID: "100", RequesterKind: KindInstitute, PatientPHN: "PHN-001", Purpose: "admission",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequestCreated, inst.Outcome)
	assert.Equal(t, StatusPending, inst.Request.Status)
}
