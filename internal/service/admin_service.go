package service

import (
	"context"
	"errors"
	"fmt"
	"msgchain-go/internal/model"
	"msgchain-go/internal/repository"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrAuditDisabled 表示未配置数据库，流程审计不可用。
	ErrAuditDisabled = errors.New("flow audit is disabled")
	// ErrSnapshotDisabled 表示未启用对象存储。
	ErrSnapshotDisabled = errors.New("log snapshots are disabled")
	// ErrFlowNotFound 表示流程记录不存在。
	ErrFlowNotFound = errors.New("flow not found")
)

// SnapshotUploader 把日志文档上传到对象存储，由 *storage.SnapshotStore 实现。
type SnapshotUploader interface {
	PutSnapshot(ctx context.Context, data []byte, at time.Time) (objectName string, url string, err error)
}

// SnapshotResult 是一次快照上传的结果。
type SnapshotResult struct {
	ObjectName string `json:"objectName"`
	URL        string `json:"url"`
	Entries    int    `json:"entries"`
	CreatedAt  string `json:"createdAt"`
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	ListFlows(limit int) ([]model.FlowRecord, error)
	GetFlow(flowID string) (*model.FlowRecord, error)
	SnapshotLog(ctx context.Context) (*SnapshotResult, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	flowRepo repository.FlowRepository
	logRepo  repository.ConversationLogRepository
	uploader SnapshotUploader
	now      func() time.Time
}

// NewAdminService 创建一个新的 AdminService 实例。flowRepo 与 uploader 都可以为 nil。
func NewAdminService(flowRepo repository.FlowRepository, logRepo repository.ConversationLogRepository, uploader SnapshotUploader) AdminService {
	return &adminService{
		flowRepo: flowRepo,
		logRepo:  logRepo,
		uploader: uploader,
		now:      time.Now,
	}
}

// ListFlows 按创建时间倒序列出最近的流程。
func (s *adminService) ListFlows(limit int) ([]model.FlowRecord, error) {
	if s.flowRepo == nil {
		return nil, ErrAuditDisabled
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.flowRepo.FindRecent(limit)
}

// GetFlow 返回单条流程记录。
func (s *adminService) GetFlow(flowID string) (*model.FlowRecord, error) {
	if s.flowRepo == nil {
		return nil, ErrAuditDisabled
	}
	record, err := s.flowRepo.FindByFlowID(flowID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return record, nil
}

// SnapshotLog 上传当前日志文档并返回下载地址。
func (s *adminService) SnapshotLog(ctx context.Context) (*SnapshotResult, error) {
	if s.uploader == nil {
		return nil, ErrSnapshotDisabled
	}
	data, err := s.logRepo.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation log: %w", err)
	}
	at := s.now()
	objectName, url, err := s.uploader.PutSnapshot(ctx, data, at)
	if err != nil {
		return nil, err
	}
	return &SnapshotResult{
		ObjectName: objectName,
		URL:        url,
		Entries:    len(s.logRepo.Read(ctx)),
		CreatedAt:  model.FormatTimestamp(at),
	}, nil
}
