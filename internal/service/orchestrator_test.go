package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgchain-go/internal/model"
	"msgchain-go/pkg/chain"
	"msgchain-go/pkg/llm"
)

type orchestratorFixture struct {
	chain    *fakeChain
	llm      *fakeLLM
	conv     ConversationService
	observer *recordingObserver
	flows    *fakeFlowRepo
	guard    FlowGuard
	orch     MessageOrchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		chain:    &fakeChain{block: 7},
		llm:      &fakeLLM{reply: "Hi there!"},
		observer: &recordingObserver{},
		flows:    &fakeFlowRepo{},
		guard:    NewLocalFlowGuard(),
	}
	f.conv = NewConversationService(f.llm, newTestLog(t))
	f.orch = NewMessageOrchestrator(f.chain, f.conv, f.guard, f.flows, f.observer)
	return f
}

func TestSend_Success(t *testing.T) {
	f := newOrchestratorFixture(t)

	out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello", ContractAddress: testAddress})
	require.NoError(t, err)

	assert.Equal(t, model.StateDone, out.State)
	assert.Empty(t, out.Reason)
	assert.Equal(t, "Hi there!", out.AI)
	assert.Equal(t, "hello", out.ChainMessage)
	assert.Equal(t, uint64(7), out.BlockNumber)
	assert.NotEmpty(t, out.TxHash)
	require.Len(t, out.History, 1)
	assert.Equal(t, "hello", out.History[0].User)
	assert.Equal(t, "Hi there!", out.History[0].AI)

	assert.Equal(t, []model.FlowState{
		model.StateSubmitting, model.StateConfirming, model.StateCompleting, model.StateRefreshing, model.StateDone,
	}, f.observer.States())
	assert.Equal(t, []string{"submit", "confirm", "read"}, f.chain.Calls())
	assert.Len(t, out.Transitions, 5)

	require.Len(t, f.flows.created, 1)
	require.Len(t, f.flows.updated, 1)
	assert.Equal(t, model.StateDone, f.flows.updated[0].State)
	assert.NotNil(t, f.flows.updated[0].FinishedAt)
}

func TestSend_ChainRejectionNeverCallsCompletion(t *testing.T) {
	cases := []struct {
		name       string
		submitErr  error
		confirmErr error
		reason     model.FailureReason
		states     []model.FlowState
	}{
		{
			name:      "estimation",
			submitErr: fmt.Errorf("%w: execution reverted", chain.ErrEstimation),
			reason:    model.ReasonEstimation,
			states:    []model.FlowState{model.StateSubmitting, model.StateFailed, model.StateIdle},
		},
		{
			name:      "wrong network",
			submitErr: fmt.Errorf("%w: node reports chain id 1", chain.ErrWrongNetwork),
			reason:    model.ReasonWrongNetwork,
			states:    []model.FlowState{model.StateSubmitting, model.StateFailed, model.StateIdle},
		},
		{
			name:      "rpc unreachable",
			submitErr: fmt.Errorf("%w: connection refused", chain.ErrNetwork),
			reason:    model.ReasonNetwork,
			states:    []model.FlowState{model.StateSubmitting, model.StateFailed, model.StateIdle},
		},
		{
			name:       "reverted",
			confirmErr: fmt.Errorf("%w: transaction reverted", chain.ErrChain),
			reason:     model.ReasonChain,
			states:     []model.FlowState{model.StateSubmitting, model.StateConfirming, model.StateFailed, model.StateIdle},
		},
		{
			name:       "confirmation timeout",
			confirmErr: fmt.Errorf("%w: waiting: %w", chain.ErrChain, context.DeadlineExceeded),
			reason:     model.ReasonChain,
			states:     []model.FlowState{model.StateSubmitting, model.StateConfirming, model.StateFailed, model.StateIdle},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrchestratorFixture(t)
			f.chain.submitErr = tc.submitErr
			f.chain.confirmErr = tc.confirmErr

			out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello"})
			require.NoError(t, err)

			assert.Equal(t, model.StateFailed, out.State)
			assert.Equal(t, tc.reason, out.Reason)
			assert.Equal(t, FailureMessage(tc.reason, 31337), out.Error)
			assert.Zero(t, f.llm.Calls())
			assert.Equal(t, tc.states, f.observer.States())

			history, err := f.conv.History(context.Background())
			require.NoError(t, err)
			assert.Empty(t, history)

			require.Len(t, f.flows.updated, 1)
			assert.Equal(t, tc.reason, f.flows.updated[0].Reason)
		})
	}
}

func TestSend_WrongNetworkMessageNamesChain(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.chain.submitErr = chain.ErrWrongNetwork

	out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Contains(t, out.Error, "31337")
	assert.Equal(t, []string{"submit"}, f.chain.Calls())
}

func TestSend_CompletionFailureIsRecoverable(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.llm.err = fmt.Errorf("%w: status 429", llm.ErrCompletion)

	out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, model.StateDone, out.State)
	assert.Empty(t, out.AI)
	assert.Equal(t, FailureMessage(model.ReasonCompletion, 31337), out.AINotice)
	assert.Equal(t, "hello", out.ChainMessage)
	assert.Empty(t, out.History)
	assert.Contains(t, f.observer.States(), model.StateRefreshing)
}

func TestSend_InterruptedCompletionFailsWithNetworkError(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.llm.hook = cancel
	f.llm.err = fmt.Errorf("%w: %w", llm.ErrCompletion, context.Canceled)

	out, err := f.orch.Send(ctx, SendRequest{Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, model.StateFailed, out.State)
	assert.Equal(t, model.ReasonNetwork, out.Reason)
	assert.Equal(t, []model.FlowState{
		model.StateSubmitting, model.StateConfirming, model.StateCompleting, model.StateFailed, model.StateIdle,
	}, f.observer.States())
}

func TestSend_RefreshErrorsBecomeNotices(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.chain.readErr = fmt.Errorf("%w: empty return data", chain.ErrDecode)

	out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, model.StateDone, out.State)
	assert.Equal(t, chain.UserMessage(chain.ErrDecode, 31337), out.ChainNotice)
	assert.Empty(t, out.ChainMessage)
	assert.Equal(t, "Hi there!", out.AI)
	require.Len(t, out.History, 1)
}

func TestSend_RejectsWhileInFlight(t *testing.T) {
	f := newOrchestratorFixture(t)
	release, err := f.guard.Acquire(context.Background(), testAddress)
	require.NoError(t, err)

	_, err = f.orch.Send(context.Background(), SendRequest{Message: "hello", ContractAddress: testAddress})
	assert.ErrorIs(t, err, ErrFlowInFlight)
	assert.Empty(t, f.chain.Calls())

	release()
	out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello", ContractAddress: testAddress})
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, out.State)
}

func TestSend_SecondSendBlockedDuringCompletion(t *testing.T) {
	f := newOrchestratorFixture(t)
	var innerErr error
	f.llm.hook = func() {
		_, innerErr = f.orch.Send(context.Background(), SendRequest{Message: "again"})
	}

	out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, out.State)
	assert.ErrorIs(t, innerErr, ErrFlowInFlight)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestSend_DefaultAndExplicitAddressShareLock(t *testing.T) {
	f := newOrchestratorFixture(t)
	release, err := f.guard.Acquire(context.Background(), strings.ToLower(testAddress))
	require.NoError(t, err)

	_, err = f.orch.Send(context.Background(), SendRequest{Message: "hello"})
	assert.ErrorIs(t, err, ErrFlowInFlight)
	release()

	var innerErr error
	f.llm.hook = func() {
		_, innerErr = f.orch.Send(context.Background(), SendRequest{Message: "again", ContractAddress: testAddress})
	}
	out, err := f.orch.Send(context.Background(), SendRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, out.State)
	assert.ErrorIs(t, innerErr, ErrFlowInFlight)
	assert.Equal(t, 1, f.llm.Calls())
}

func TestSend_Validation(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.orch.Send(context.Background(), SendRequest{Message: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.orch.Send(context.Background(), SendRequest{Message: "hello", ContractAddress: "0x1234"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
	assert.Empty(t, f.chain.Calls())
}

func TestReadCurrent(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.chain.current = "gm"

	msg, err := f.orch.ReadCurrent(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Equal(t, "gm", msg)

	_, err = f.orch.ReadCurrent(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFlow_RejectsIllegalTransitions(t *testing.T) {
	flow := NewFlow("f1")

	assert.ErrorIs(t, flow.advance(model.StateCompleting), ErrIllegalTransition)
	assert.ErrorIs(t, flow.Acknowledge(), ErrIllegalTransition)

	require.NoError(t, flow.advance(model.StateSubmitting))
	require.NoError(t, flow.advance(model.StateConfirming))
	assert.ErrorIs(t, flow.advance(model.StateRefreshing), ErrIllegalTransition)
	require.NoError(t, flow.fail(model.ReasonChain, "boom"))
	assert.Equal(t, model.ReasonChain, flow.Reason())
	assert.ErrorIs(t, flow.advance(model.StateSubmitting), ErrIllegalTransition)
	require.NoError(t, flow.Acknowledge())
	assert.Equal(t, model.StateIdle, flow.State())
	assert.Empty(t, flow.Reason())
}

func TestFailureMessage_DistinctPerReason(t *testing.T) {
	reasons := []model.FailureReason{
		model.ReasonEstimation, model.ReasonChain, model.ReasonWrongNetwork,
		model.ReasonDecode, model.ReasonCompletion, model.ReasonNetwork,
	}
	seen := map[string]model.FailureReason{}
	for _, r := range reasons {
		msg := FailureMessage(r, 31337)
		require.True(t, strings.HasPrefix(msg, "Error:"), r)
		prev, dup := seen[msg]
		assert.False(t, dup, "%s and %s share a message", r, prev)
		seen[msg] = r
	}
}

func TestReasonForError(t *testing.T) {
	assert.Equal(t, model.ReasonDecode, ReasonForError(fmt.Errorf("x: %w", chain.ErrDecode)))
	assert.Equal(t, model.ReasonCompletion, ReasonForError(llm.ErrCompletion))
	assert.Equal(t, model.ReasonNetwork, ReasonForError(context.Canceled))
	assert.Equal(t, model.ReasonNetwork, ReasonForError(fmt.Errorf("%w: chain id: %w", chain.ErrNetwork, context.DeadlineExceeded)))
	assert.Equal(t, model.ReasonChain, ReasonForError(fmt.Errorf("%w: waiting for 0xabc: %w", chain.ErrChain, context.DeadlineExceeded)))
	assert.Equal(t, model.ReasonChain, ReasonForError(fmt.Errorf("%w: waiting for 0xabc: %w", chain.ErrChain, context.Canceled)))
	assert.Equal(t, model.ReasonChain, ReasonForError(errors.New("anything else")))
}
