package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertGolden(t *testing.T, name string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

func TestGolden_PermissionDeniedEnvelope(t *testing.T) {
	env := NewErrorEnvelope(NewPermissionDenied([]string{"file.write"}))
	assertGolden(t, "permission_denied", env)
}

func TestGolden_SubscribeResponse(t *testing.T) {
	resp := SubscribeResponse{
		SubscriptionID: "sub-1",
		ExpiresAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Status:         StatusActive,
	}
	assertGolden(t, "subscribe_response", resp)
}

func TestGolden_AcceptedExecuteResponse(t *testing.T) {
	resp := ExecuteResponse{
		Status:         StatusAccepted,
		JobID:          "job-1",
		StatusLocation: "/jobs/job-1",
	}
	assertGolden(t, "execute_accepted", resp)
}

func TestErrorEnvelope_NonProtocolErrorIsInternal(t *testing.T) {
	env := NewErrorEnvelope(errors.New("disk on fire"))

	assert.Equal(t, StatusError, env.Status)
	assert.Equal(t, CodeInternal, env.Error.Code)
	assert.NotContains(t, env.Error.Message, "disk")
}

func TestIsCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("lookup: %w", NewCapabilityNotFound("nope"))

	assert.True(t, IsCode(err, CodeCapabilityNotFound))
	assert.False(t, IsCode(err, CodeJobNotFound))
	assert.False(t, IsCode(errors.New("plain"), CodeInternal))
	assert.Equal(t, "nope", AsError(err).Details["capability"])
}

func TestWithDetail_DoesNotMutate(t *testing.T) {
	base := NewError(CodeInvalidRequest, "bad")
	withA := base.WithDetail("a", 1)

	assert.Nil(t, base.Details)
	assert.Equal(t, 1, withA.Details["a"])
}

func TestPermissionDenied_CopiesMissing(t *testing.T) {
	missing := []string{"file.write"}
	err := NewPermissionDenied(missing)
	missing[0] = "changed"

	assert.Equal(t, []string{"file.write"}, err.Details["missingPermissions"])
}

func TestJobStatusFrom(t *testing.T) {
	done := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	job := Job{
		ID:           "job-1",
		CapabilityID: "image.process",
		State:        JobCompleted,
		Progress:     100,
		Result:       map[string]any{"ok": true},
		CreatedAt:    done.Add(-time.Second),
		CompletedAt:  &done,
	}

	resp := JobStatusFrom(job)

	assert.Equal(t, JobCompleted, resp.Status)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, 100, resp.Progress)
	assert.Equal(t, &done, resp.CompletedAt)
}

func TestParseAtomicity(t *testing.T) {
	tests := []struct {
		raw  string
		want Atomicity
		ok   bool
	}{
		{"", BestEffort, true},
		{"best_effort", BestEffort, true},
		{"best-effort", BestEffort, true},
		{"all_or_nothing", AllOrNothing, true},
		{"all-or-nothing", AllOrNothing, true},
		{"transactional", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseAtomicity(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobInProgress.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
}

func TestSubscriptionActiveAt(t *testing.T) {
	exp := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	sub := Subscription{ExpiresAt: exp}

	assert.True(t, sub.ActiveAt(exp.Add(-time.Nanosecond)))
	assert.False(t, sub.ActiveAt(exp))
	assert.False(t, sub.ActiveAt(exp.Add(time.Second)))
}

func TestEventTypeKnown(t *testing.T) {
	for _, typ := range EventTypes {
		assert.True(t, typ.Known())
	}
	assert.False(t, EventType("job.exploded").Known())
}

func TestCapabilityClone_KeepsEmptyPermissions(t *testing.T) {
	c := Capability{ID: "ping", Permissions: []string{}}

	clone := c.Clone()
	assert.NotNil(t, clone.Permissions)
	assert.Empty(t, clone.Permissions)

	assert.Nil(t, Capability{ID: "ping"}.Clone().Permissions)
}

func TestCapabilityClone_Independent(t *testing.T) {
	c := Capability{ID: "file.read", Permissions: []string{"file.read"}}

	clone := c.Clone()
	clone.Permissions[0] = "root"
	assert.Equal(t, []string{"file.read"}, c.Permissions)
}
