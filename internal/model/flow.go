package model

import "time"

// FlowState 是消息编排状态机的状态。
type FlowState string

const (
	StateIdle       FlowState = "Idle"
	StateSubmitting FlowState = "Submitting"
	StateConfirming FlowState = "Confirming"
	StateCompleting FlowState = "Completing"
	StateRefreshing FlowState = "Refreshing"
	StateDone       FlowState = "Done"
	StateFailed     FlowState = "Failed"
)

// FailureReason 说明流程进入 Failed 状态的原因。
type FailureReason string

const (
	ReasonNone         FailureReason = ""
	ReasonEstimation   FailureReason = "EstimationError"
	ReasonChain        FailureReason = "ChainError"
	ReasonWrongNetwork FailureReason = "WrongNetworkError"
	ReasonDecode       FailureReason = "DecodeError"
	ReasonCompletion   FailureReason = "CompletionError"
	ReasonNetwork      FailureReason = "NetworkError"
)

// FlowTransition 记录一次状态迁移，用于日志与 WebSocket 推送。
type FlowTransition struct {
	FlowID  string        `json:"flowId"`
	From    FlowState     `json:"from"`
	To      FlowState     `json:"to"`
	Reason  FailureReason `json:"reason,omitempty"`
	Message string        `json:"message,omitempty"`
	At      time.Time     `json:"at"`
}

// FlowRecord 定义了 message_flows 表的 ORM 模型，记录每次发送的最终结果。
type FlowRecord struct {
	ID              uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	FlowID          string        `gorm:"type:varchar(36);uniqueIndex;not null" json:"flowId"`
	ContractAddress string        `gorm:"type:varchar(42);index;not null" json:"contractAddress"`
	Message         string        `gorm:"type:text;not null" json:"message"`
	TxHash          string        `gorm:"type:varchar(66)" json:"txHash"`
	BlockNumber     uint64        `json:"blockNumber"`
	State           FlowState     `gorm:"type:varchar(16);not null" json:"state"`
	Reason          FailureReason `gorm:"type:varchar(32)" json:"reason"`
	AINotice        string        `gorm:"type:varchar(255)" json:"aiNotice"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	FinishedAt      *time.Time    `gorm:"default:null" json:"finishedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FlowRecord) TableName() string {
	return "message_flows"
}
