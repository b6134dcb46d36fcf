package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogService_RecordAndList(t *testing.T) {
	svc := NewAuditLogService(newTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Record(ctx, AuditEntry{
			Module:  "featureflags",
			Action:  "PUT /api/v1/admin/flags/:key",
			Message: fmt.Sprintf("updated flag %d", i),
			UserID:  "admin-1",
			Extra:   map[string]interface{}{"flag": "feature.new-dashboard"},
		})
	}
	svc.Record(ctx, AuditEntry{Level: AuditLevelWarning, Module: "canary", Action: "rollback", Message: "rolled back canary.new-payment-processor"})

	all, err := svc.List(ctx, &AuditLogListRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.Total)
	assert.Equal(t, 1, all.Page)
	assert.Equal(t, 20, all.PageSize)

	byModule, err := svc.List(ctx, &AuditLogListRequest{Module: "featureflags", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), byModule.Total)
	assert.Len(t, byModule.Items, 2)
	assert.Equal(t, AuditLevelInfo, byModule.Items[0].Level)
	require.NotNil(t, byModule.Items[0].UserID)
	assert.Equal(t, "admin-1", *byModule.Items[0].UserID)
	assert.Contains(t, byModule.Items[0].Extra, "feature.new-dashboard")

	warnings, err := svc.List(ctx, &AuditLogListRequest{Level: AuditLevelWarning, Search: "payment"})
	require.NoError(t, err)
	require.Len(t, warnings.Items, 1)
	assert.Nil(t, warnings.Items[0].UserID)
}

func TestAuditLogService_NilIsNoop(t *testing.T) {
	var svc *AuditLogService
	svc.Record(context.Background(), AuditEntry{Module: "auth"})
}
