package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessGrant_ActiveAt(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	assert.True(t, (&AccessGrant{}).ActiveAt(now), "no expiry")
	assert.True(t, (&AccessGrant{ExpiresAt: &later}).ActiveAt(now))
	assert.False(t, (&AccessGrant{ExpiresAt: &earlier}).ActiveAt(now))
	assert.False(t, (&AccessGrant{ExpiresAt: &now}).ActiveAt(now), "expiry is exclusive")
	assert.False(t, (&AccessGrant{RevokedAt: &earlier}).ActiveAt(now))
}

func TestSubmitInput_ValidateTrims(t *testing.T) {
	in := SubmitInput{RequesterID: " SLMC-123 ", RequesterKind: "professional", PatientPHN: " PHN-001\t", Purpose: " checkup "}
	assert.NoError(t, in.Validate())
	assert.Equal(t, "SLMC-123", in.RequesterID)
	assert.Equal(t, "PHN-001", in.PatientPHN)
	assert.Equal(t, "checkup", in.Purpose)
}

func TestValidRequesterKind(t *testing.T) {
	assert.True(t, ValidRequesterKind(KindProfessional))
	assert.True(t, ValidRequesterKind(KindInstitute))
	assert.False(t, ValidRequesterKind("patient"))
	assert.False(t, ValidRequesterKind(""))
}
