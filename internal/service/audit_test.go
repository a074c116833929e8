package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/whalewallet/shardgate/internal/model"
)

func TestAuditRecordAndList(t *testing.T) {
	svc, err := NewAuditService(t.TempDir(), nil)
	assert.NoError(t, err)

	for i := 0; i < 5; i++ {
		svc.Record(&model.AuditRecord{
			ID:        fmt.Sprintf("rec-%d", i),
			AccountID: "acct-1",
			Status:    model.StatusApproved,
		})
	}
	svc.Record(&model.AuditRecord{ID: "rec-other", AccountID: "acct-2"})

	records, err := svc.List(context.Background(), "acct-1", 0, nil, nil)
	assert.NoError(t, err)
	assert.Len(t, records, 5)
	// newest first
	assert.Equal(t, "rec-4", records[0].ID)

	records, err = svc.List(context.Background(), "acct-1", 2, nil, nil)
	assert.NoError(t, err)
	assert.Len(t, records, 2)

	all, err := svc.List(context.Background(), "", 0, nil, nil)
	assert.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestAuditBufferEvictsOldest(t *testing.T) {
	b := newAuditBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(&model.AuditRecord{ID: fmt.Sprintf("rec-%d", i), AccountID: "acct-1"})
	}

	records := b.List("acct-1", 0)
	assert.Len(t, records, 3)
	assert.Equal(t, "rec-4", records[0].ID)
	assert.Equal(t, "rec-2", records[2].ID)
}
