package service

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"

	"msgchain-go/internal/model"
	"msgchain-go/internal/repository"
	"msgchain-go/pkg/chain"
)

const testAddress = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"

type fakeLLM struct {
	mu     sync.Mutex
	reply  string
	err    error
	hook   func()
	inputs []string
}

func (f *fakeLLM) Complete(_ context.Context, userText string) (string, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, userText)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

type fakeChain struct {
	mu sync.Mutex

	submitErr  error
	confirmErr error
	readErr    error
	current    string
	block      int64

	// 确认成功后 current 才变为已提交的消息
	submitted string
	calls     []string
}

func (f *fakeChain) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeChain) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeChain) Submit(_ context.Context, _, message string) (*chain.PendingTransaction, error) {
	f.record("submit")
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.mu.Lock()
	f.submitted = message
	f.mu.Unlock()
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, Gas: 21000, GasPrice: big.NewInt(1)})
	return &chain.PendingTransaction{Message: message, Tx: tx}, nil
}

func (f *fakeChain) Confirm(_ context.Context, _ *chain.PendingTransaction) (*types.Receipt, error) {
	f.record("confirm")
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	f.mu.Lock()
	f.current = f.submitted
	f.mu.Unlock()
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(f.block)}, nil
}

func (f *fakeChain) Read(_ context.Context, _ string) (string, error) {
	f.record("read")
	if f.readErr != nil {
		return "", f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeChain) ExpectedChainID() int64 { return 31337 }

// ResolveAddress 与 chain.Client 一致：空地址回落到 testAddress。
func (f *fakeChain) ResolveAddress(address string) (common.Address, error) {
	if address == "" {
		address = testAddress
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, address)
	}
	return common.HexToAddress(address), nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []model.FlowTransition
}

func (o *recordingObserver) OnTransition(t model.FlowTransition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, t)
}

func (o *recordingObserver) States() []model.FlowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	states := make([]model.FlowState, 0, len(o.transitions))
	for _, t := range o.transitions {
		states = append(states, t.To)
	}
	return states
}

type fakeFlowRepo struct {
	mu      sync.Mutex
	created []model.FlowRecord
	updated []model.FlowRecord
}

func (r *fakeFlowRepo) Create(record *model.FlowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, *record)
	return nil
}

func (r *fakeFlowRepo) Update(record *model.FlowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, *record)
	return nil
}

func (r *fakeFlowRepo) FindRecent(limit int) ([]model.FlowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > len(r.updated) {
		limit = len(r.updated)
	}
	return r.updated[:limit], nil
}

func (r *fakeFlowRepo) FindByFlowID(flowID string) (*model.FlowRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.updated {
		if r.updated[i].FlowID == flowID {
			rec := r.updated[i]
			return &rec, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func newTestLog(t *testing.T) repository.ConversationLogRepository {
	t.Helper()
	return repository.NewFileConversationLogRepository(filepath.Join(t.TempDir(), "conversation_log.json"))
}
