package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgchain-go/internal/model"
)

type fakeUploader struct {
	data []byte
	at   time.Time
	err  error
}

func (u *fakeUploader) PutSnapshot(_ context.Context, data []byte, at time.Time) (string, string, error) {
	if u.err != nil {
		return "", "", u.err
	}
	u.data = data
	u.at = at
	return "conversation-log/x.json", "http://minio.local/x", nil
}

func TestSnapshotLog(t *testing.T) {
	logRepo := newTestLog(t)
	logRepo.Append(context.Background(), model.ConversationEntry{Timestamp: "2025-03-01T12:00:00.000Z", User: "hello", AI: "Hi there!"})
	uploader := &fakeUploader{}
	svc := NewAdminService(nil, logRepo, uploader).(*adminService)
	svc.now = func() time.Time { return time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC) }

	res, err := svc.SnapshotLog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://minio.local/x", res.URL)
	assert.Equal(t, 1, res.Entries)
	assert.Equal(t, "2025-03-02T00:00:00.000Z", res.CreatedAt)
	assert.Contains(t, string(uploader.data), `"user": "hello"`)
}

func TestSnapshotLog_Errors(t *testing.T) {
	_, err := NewAdminService(nil, newTestLog(t), nil).SnapshotLog(context.Background())
	assert.ErrorIs(t, err, ErrSnapshotDisabled)

	boom := errors.New("bucket gone")
	_, err = NewAdminService(nil, newTestLog(t), &fakeUploader{err: boom}).SnapshotLog(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFlows(t *testing.T) {
	_, err := NewAdminService(nil, newTestLog(t), nil).ListFlows(10)
	assert.ErrorIs(t, err, ErrAuditDisabled)

	repo := &fakeFlowRepo{updated: []model.FlowRecord{{FlowID: "a"}, {FlowID: "b"}}}
	svc := NewAdminService(repo, newTestLog(t), nil)

	flows, err := svc.ListFlows(0)
	require.NoError(t, err)
	assert.Len(t, flows, 2)

	rec, err := svc.GetFlow("b")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.FlowID)

	_, err = svc.GetFlow("missing")
	assert.ErrorIs(t, err, ErrFlowNotFound)
}
