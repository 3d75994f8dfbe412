package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memberContext() *Context {
	return &Context{
		UserID:         "owner_1",
		ClientID:       "acme_co",
		OrganizationID: "org_acme",
		Permissions:    RoleViewer.Permissions(),
	}
}

func TestAccessControl_ValidateClientAccess(t *testing.T) {
	ctx := context.Background()
	audit := NewRecordingAuditSink(8)
	ac := NewAccessControl(audit)
	sc := memberContext()

	require.NoError(t, ac.ValidateClientAccess(ctx, sc, "acme_co"))
	assert.Empty(t, audit.Drain())

	err := ac.ValidateClientAccess(ctx, sc, "other_co")
	assert.ErrorIs(t, err, ErrCrossTenantAccess)
	assert.True(t, IsAudited(err))
	events := audit.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventCrossTenant, events[0].Event)
	assert.Equal(t, SeverityError, events[0].Severity)
	assert.Equal(t, "other_co", events[0].Details["target_client_id"])

	sc.IsAdmin = true
	assert.NoError(t, ac.ValidateClientAccess(ctx, sc, "other_co"))

	assert.ErrorIs(t, ac.ValidateClientAccess(ctx, nil, "acme_co"), ErrUnauthorized)
}

func TestAccessControl_ValidateOrganizationAccess(t *testing.T) {
	ctx := context.Background()
	audit := NewRecordingAuditSink(8)
	ac := NewAccessControl(audit)

	require.NoError(t, ac.ValidateOrganizationAccess(ctx, memberContext(), "org_acme"))
	err := ac.ValidateOrganizationAccess(ctx, memberContext(), "org_other")
	assert.ErrorIs(t, err, ErrCrossOrganizationAccess)

	events := audit.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventCrossOrganization, events[0].Event)
}

func TestAccessControl_ValidatePermission(t *testing.T) {
	ctx := context.Background()
	audit := NewRecordingAuditSink(8)
	ac := NewAccessControl(audit)
	sc := memberContext()

	require.NoError(t, ac.ValidatePermission(ctx, sc, ReadDocuments))
	err := ac.ValidatePermission(ctx, sc, DeleteDocuments)
	assert.ErrorIs(t, err, ErrInsufficientPermissions)

	events := audit.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventPermissionDenied, events[0].Event)
	assert.Equal(t, SeverityWarn, events[0].Severity)

	sc.Permissions = NewPermissions(AdminAll)
	assert.NoError(t, ac.ValidatePermission(ctx, sc, DeleteDocuments))
}

type sampleChunk struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"clientId"`
	SourcePath string  `json:"sourcePath"`
	Similarity float64 `json:"similarity"`
}

func TestSanitizeData(t *testing.T) {
	in := map[string]any{
		"clientId":       "acme_co",
		"organizationId": "org_acme",
		"userId":         "owner_1",
		"results": []sampleChunk{
			{ID: "a", ClientID: "acme_co", SourcePath: "bids/roof.pdf", Similarity: 0.91},
		},
		"meta": map[string]any{
			"client_id": "acme_co",
			"user_id":   "owner_1",
			"count":     1,
		},
	}

	out, err := SanitizeData(in, memberContext())
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, m, "clientId")
	assert.NotContains(t, m, "organizationId")
	assert.NotContains(t, m, "userId")

	results := m["results"].([]any)
	require.Len(t, results, 1)
	chunk := results[0].(map[string]any)
	assert.NotContains(t, chunk, "clientId")
	assert.Equal(t, "bids/roof.pdf", chunk["sourcePath"])
	assert.InDelta(t, 0.91, chunk["similarity"], 1e-9)

	meta := m["meta"].(map[string]any)
	assert.Equal(t, map[string]any{"count": float64(1)}, meta)

	// The input is left untouched.
	assert.Equal(t, "acme_co", in["clientId"])
}

func TestSanitizeData_ScalarsAndNil(t *testing.T) {
	out, err := SanitizeData(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = NewAccessControl(nil).SanitizeData("plain", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	_, err = SanitizeData(map[string]any{"bad": make(chan int)}, nil)
	assert.Error(t, err)
}
