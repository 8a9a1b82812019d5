package service

import (
	"context"
	"errors"
	"fmt"
	"msgchain-go/internal/model"
	"msgchain-go/internal/repository"
	"msgchain-go/pkg/chain"
	"msgchain-go/pkg/llm"
	"msgchain-go/pkg/log"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// ErrIllegalTransition 表示状态机收到了不被允许的迁移。
var ErrIllegalTransition = errors.New("illegal flow transition")

// ChainWriter 是编排器依赖的链上读写能力，由 *chain.Client 实现。
type ChainWriter interface {
	Submit(ctx context.Context, address, message string) (*chain.PendingTransaction, error)
	Confirm(ctx context.Context, pending *chain.PendingTransaction) (*types.Receipt, error)
	Read(ctx context.Context, address string) (string, error)
	ExpectedChainID() int64
	// ResolveAddress 解析合约地址，空地址回落到配置的合约。
	ResolveAddress(address string) (common.Address, error)
}

// FlowObserver 接收每一次状态迁移。
type FlowObserver interface {
	OnTransition(t model.FlowTransition)
}

var allowedTransitions = map[model.FlowState][]model.FlowState{
	model.StateIdle:       {model.StateSubmitting},
	model.StateSubmitting: {model.StateConfirming, model.StateFailed},
	model.StateConfirming: {model.StateCompleting, model.StateFailed},
	model.StateCompleting: {model.StateRefreshing, model.StateFailed},
	model.StateRefreshing: {model.StateDone},
	model.StateFailed:     {model.StateIdle},
}

// Flow 是一次发送的状态机实例。
type Flow struct {
	ID string

	mu          sync.Mutex
	state       model.FlowState
	reason      model.FailureReason
	transitions []model.FlowTransition
	observers   []FlowObserver
	now         func() time.Time
}

// NewFlow 创建处于 Idle 状态的流程。
func NewFlow(id string, observers ...FlowObserver) *Flow {
	return &Flow{ID: id, state: model.StateIdle, observers: observers, now: time.Now}
}

// State 返回当前状态。
func (f *Flow) State() model.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Reason 返回失败原因，未失败时为空。
func (f *Flow) Reason() model.FailureReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Transitions 返回迄今为止的所有迁移。
func (f *Flow) Transitions() []model.FlowTransition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.FlowTransition, len(f.transitions))
	copy(out, f.transitions)
	return out
}

func (f *Flow) advance(to model.FlowState) error {
	return f.transition(to, model.ReasonNone, "")
}

func (f *Flow) fail(reason model.FailureReason, message string) error {
	return f.transition(model.StateFailed, reason, message)
}

// Acknowledge 在用户确认失败后将流程复位到 Idle。
func (f *Flow) Acknowledge() error {
	return f.transition(model.StateIdle, model.ReasonNone, "")
}

func (f *Flow) transition(to model.FlowState, reason model.FailureReason, message string) error {
	f.mu.Lock()
	from := f.state
	allowed := false
	for _, next := range allowedTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	t := model.FlowTransition{FlowID: f.ID, From: from, To: to, Reason: reason, Message: message, At: f.now()}
	f.state = to
	f.reason = reason
	f.transitions = append(f.transitions, t)
	observers := f.observers
	f.mu.Unlock()

	log.Infow("flow transition", "flowId", f.ID, "from", from, "to", to, "reason", reason)
	for _, o := range observers {
		o.OnTransition(t)
	}
	return nil
}

// SendRequest 是一次发送的输入。
type SendRequest struct {
	Message         string
	ContractAddress string
}

// Outcome 汇总一次发送对用户可见的结果。
type Outcome struct {
	FlowID        string                    `json:"flowId"`
	State         model.FlowState           `json:"state"`
	Reason        model.FailureReason       `json:"reason,omitempty"`
	Error         string                    `json:"error,omitempty"`
	TxHash        string                    `json:"txHash,omitempty"`
	BlockNumber   uint64                    `json:"blockNumber,omitempty"`
	AI            string                    `json:"ai,omitempty"`
	AINotice      string                    `json:"aiNotice,omitempty"`
	ChainMessage  string                    `json:"chainMessage"`
	ChainNotice   string                    `json:"chainNotice,omitempty"`
	History       []model.ConversationEntry `json:"history"`
	HistoryNotice string                    `json:"historyNotice,omitempty"`
	Transitions   []model.FlowTransition    `json:"transitions"`
}

// MessageOrchestrator 驱动 提交 -> 确认 -> 补全 -> 刷新 的完整流程。
type MessageOrchestrator interface {
	Send(ctx context.Context, req SendRequest) (*Outcome, error)
	ReadCurrent(ctx context.Context, address string) (string, error)
	ExpectedChainID() int64
}

type messageOrchestrator struct {
	chain        ChainWriter
	conversation ConversationService
	guard        FlowGuard
	flowRepo     repository.FlowRepository
	observers    []FlowObserver
	newID        func() string
}

// NewMessageOrchestrator 创建编排器。flowRepo 可以为 nil（不记录审计）。
func NewMessageOrchestrator(
	chainWriter ChainWriter,
	conversation ConversationService,
	guard FlowGuard,
	flowRepo repository.FlowRepository,
	observers ...FlowObserver,
) MessageOrchestrator {
	if guard == nil {
		guard = NewLocalFlowGuard()
	}
	return &messageOrchestrator{
		chain:        chainWriter,
		conversation: conversation,
		guard:        guard,
		flowRepo:     flowRepo,
		observers:    observers,
		newID:        uuid.NewString,
	}
}

// ExpectedChainID 返回配置的链 ID。
func (o *messageOrchestrator) ExpectedChainID() int64 {
	return o.chain.ExpectedChainID()
}

// ReadCurrent 读取合约当前的消息。
func (o *messageOrchestrator) ReadCurrent(ctx context.Context, address string) (string, error) {
	if address != "" && !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %w", ErrValidation, chain.ErrInvalidAddress)
	}
	return o.chain.Read(ctx, address)
}

// Send 执行一次完整的发送流程。只有在流程开始前被拒绝时才返回 error
// （参数校验失败或已有流程在进行）；流程内的失败体现在 Outcome 中。
func (o *messageOrchestrator) Send(ctx context.Context, req SendRequest) (*Outcome, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	contract, err := o.chain.ResolveAddress(req.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	// 同一合约无论显式传入还是使用默认地址，都落在同一把锁上
	release, err := o.guard.Acquire(ctx, contract.Hex())
	if err != nil {
		return nil, err
	}
	defer release()

	flow := NewFlow(o.newID(), o.observers...)
	out := &Outcome{FlowID: flow.ID}
	record := &model.FlowRecord{
		FlowID:          flow.ID,
		ContractAddress: contract.Hex(),
		Message:         req.Message,
		State:           model.StateIdle,
	}
	o.saveRecord(record, true)

	o.run(ctx, flow, req, out)

	out.State = flow.State()
	out.Reason = flow.Reason()
	if out.State == model.StateFailed {
		out.Error = FailureMessage(out.Reason, o.chain.ExpectedChainID())
	}

	finished := time.Now()
	record.TxHash = out.TxHash
	record.BlockNumber = out.BlockNumber
	record.State = out.State
	record.Reason = out.Reason
	record.AINotice = out.AINotice
	record.FinishedAt = &finished
	o.saveRecord(record, false)

	// 响应即视为用户对失败的确认
	if out.State == model.StateFailed {
		_ = flow.Acknowledge()
	}
	out.Transitions = flow.Transitions()
	return out, nil
}

func (o *messageOrchestrator) run(ctx context.Context, flow *Flow, req SendRequest, out *Outcome) {
	_ = flow.advance(model.StateSubmitting)
	pending, err := o.chain.Submit(ctx, req.ContractAddress, req.Message)
	if err != nil {
		o.failOnChain(flow, err)
		return
	}
	out.TxHash = pending.Hash().Hex()

	_ = flow.advance(model.StateConfirming)
	receipt, err := o.chain.Confirm(ctx, pending)
	if err != nil {
		o.failOnChain(flow, err)
		return
	}
	if receipt != nil && receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}

	// 补全只会在链上确认成功之后发起
	_ = flow.advance(model.StateCompleting)
	ai, err := o.conversation.Handle(ctx, req.Message)
	if err != nil {
		if ctx.Err() != nil {
			log.Warnw("flow interrupted during completion", "flowId", flow.ID, "error", err)
			_ = flow.fail(model.ReasonNetwork, FailureMessage(model.ReasonNetwork, o.chain.ExpectedChainID()))
			return
		}
		// 链上写入已生效，补全失败只作为提示
		log.Warnw("completion failed after chain confirmation", "flowId", flow.ID, "error", err)
		out.AINotice = FailureMessage(model.ReasonCompletion, o.chain.ExpectedChainID())
	} else {
		out.AI = ai
	}

	_ = flow.advance(model.StateRefreshing)
	current, err := o.chain.Read(ctx, req.ContractAddress)
	if err != nil {
		log.Warnw("failed to refresh chain message", "flowId", flow.ID, "error", err)
		out.ChainNotice = chain.UserMessage(err, o.chain.ExpectedChainID())
	} else {
		out.ChainMessage = current
	}
	history, err := o.conversation.History(ctx)
	if err != nil {
		log.Warnw("failed to refresh history", "flowId", flow.ID, "error", err)
		out.HistoryNotice = "Error: Failed to retrieve conversation history."
		history = []model.ConversationEntry{}
	}
	out.History = history

	_ = flow.advance(model.StateDone)
}

func (o *messageOrchestrator) failOnChain(flow *Flow, err error) {
	reason := ReasonForError(err)
	log.Errorw("chain step failed", "flowId", flow.ID, "state", flow.State(), "reason", reason, "error", err)
	_ = flow.fail(reason, FailureMessage(reason, o.chain.ExpectedChainID()))
}

func (o *messageOrchestrator) saveRecord(record *model.FlowRecord, create bool) {
	if o.flowRepo == nil {
		return
	}
	var err error
	if create {
		err = o.flowRepo.Create(record)
	} else {
		err = o.flowRepo.Update(record)
	}
	if err != nil {
		log.Warnw("failed to persist flow record", "flowId", record.FlowID, "error", err)
	}
}

// ReasonForError 将错误归类为失败原因。
func ReasonForError(err error) model.FailureReason {
	switch {
	case errors.Is(err, chain.ErrWrongNetwork):
		return model.ReasonWrongNetwork
	case errors.Is(err, chain.ErrEstimation):
		return model.ReasonEstimation
	case errors.Is(err, chain.ErrDecode):
		return model.ReasonDecode
	case errors.Is(err, chain.ErrChain):
		// 确认超时同时携带 ErrChain 与 DeadlineExceeded，归为链上失败
		return model.ReasonChain
	case errors.Is(err, chain.ErrNetwork), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.ReasonNetwork
	case errors.Is(err, llm.ErrCompletion):
		return model.ReasonCompletion
	default:
		return model.ReasonChain
	}
}

// FailureMessage 返回每种失败原因对应的用户提示。
func FailureMessage(reason model.FailureReason, expectedChainID int64) string {
	switch reason {
	case model.ReasonNone:
		return ""
	case model.ReasonEstimation:
		return chain.UserMessage(chain.ErrEstimation, expectedChainID)
	case model.ReasonChain:
		return chain.UserMessage(chain.ErrChain, expectedChainID)
	case model.ReasonWrongNetwork:
		return chain.UserMessage(chain.ErrWrongNetwork, expectedChainID)
	case model.ReasonDecode:
		return chain.UserMessage(chain.ErrDecode, expectedChainID)
	case model.ReasonCompletion:
		return "Error: Failed to get a response from the AI. Your message was still saved on-chain."
	case model.ReasonNetwork:
		return "Error: The request was interrupted before it could finish. Please try again."
	default:
		return "Error: Unknown error."
	}
}
