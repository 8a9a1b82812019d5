package repository

import (
	"msgchain-go/internal/model"

	"gorm.io/gorm"
)

// FlowRepository 接口定义了消息编排流程审计记录的持久化操作。
type FlowRepository interface {
	Create(record *model.FlowRecord) error
	Update(record *model.FlowRecord) error
	FindRecent(limit int) ([]model.FlowRecord, error)
	FindByFlowID(flowID string) (*model.FlowRecord, error)
}

// flowRepository 是 FlowRepository 接口的 GORM 实现。
type flowRepository struct {
	db *gorm.DB
}

// NewFlowRepository 创建一个新的 FlowRepository 实例。
func NewFlowRepository(db *gorm.DB) FlowRepository {
	return &flowRepository{db: db}
}

// Create 在数据库中创建一条流程记录。
func (r *flowRepository) Create(record *model.FlowRecord) error {
	return r.db.Create(record).Error
}

// Update 保存流程记录的最终状态。
func (r *flowRepository) Update(record *model.FlowRecord) error {
	return r.db.Save(record).Error
}

// FindRecent 按创建时间倒序返回最近的流程记录。
func (r *flowRepository) FindRecent(limit int) ([]model.FlowRecord, error) {
	var records []model.FlowRecord
	err := r.db.Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// FindByFlowID 根据流程 ID 查找记录。
func (r *flowRepository) FindByFlowID(flowID string) (*model.FlowRecord, error) {
	var record model.FlowRecord
	err := r.db.Where("flow_id = ?", flowID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}
