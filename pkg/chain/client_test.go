package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgchain-go/internal/config"
)

const testContract = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"

// rpcError mimics a JSON-RPC error returned by the node.
type rpcError struct{ msg string }

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return 3 }

// fakeBackend records every call so tests can assert ordering.
type fakeBackend struct {
	mu sync.Mutex

	chainID    int64
	chainIDErr error

	callResult []byte
	callErr    error

	estimateErr error
	sendErr     error

	// receiptAfter is the number of receipt polls that return NotFound first.
	receiptAfter  int
	receiptStatus uint64
	receiptPolls  int

	calls []string
	sent  []*types.Transaction
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	f.record("ChainID")
	if f.chainIDErr != nil {
		return nil, f.chainIDErr
	}
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.record("CallContract")
	return f.callResult, f.callErr
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	f.record("EstimateGas")
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 30000, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.record("PendingNonceAt")
	return 7, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.record("SuggestGasPrice")
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.record("SendTransaction")
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.record("TransactionReceipt")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receiptPolls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.receiptStatus, TxHash: txHash, BlockNumber: big.NewInt(12)}, nil
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	client, err := NewClient(config.ChainConfig{
		ChainID:         31337,
		ContractAddress: testContract,
		PrivateKey:      testKey(t),
		ConfirmTimeout:  200 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		ABI:             config.DefaultMessageABI,
	}, backend)
	require.NoError(t, err)
	return client
}

func encodeMessage(t *testing.T, msg string) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(config.DefaultMessageABI))
	require.NoError(t, err)
	out, err := parsed.Methods[methodCurrentMessage].Outputs.Pack(msg)
	require.NoError(t, err)
	return out
}

func TestRead_Success(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, callResult: encodeMessage(t, "hello")}
	client := newTestClient(t, backend)

	msg, err := client.Read(context.Background(), testContract)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
	assert.Equal(t, []string{"ChainID", "CallContract"}, backend.Calls())
}

func TestRead_DefaultAddress(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, callResult: encodeMessage(t, "from default")}
	client := newTestClient(t, backend)

	msg, err := client.Read(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "from default", msg)
}

func TestRead_WrongNetworkBeforeContractCall(t *testing.T) {
	backend := &fakeBackend{chainID: 1, callResult: encodeMessage(t, "hello")}
	client := newTestClient(t, backend)

	_, err := client.Read(context.Background(), testContract)
	require.ErrorIs(t, err, ErrWrongNetwork)
	assert.Equal(t, []string{"ChainID"}, backend.Calls())
}

func TestRead_NotDeployed(t *testing.T) {
	// eth_call against an address without code returns empty data.
	backend := &fakeBackend{chainID: 31337, callResult: []byte{}}
	client := newTestClient(t, backend)

	_, err := client.Read(context.Background(), testContract)
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t,
		"Error: Could not decode contract data. The contract may not be deployed at this address.",
		UserMessage(err, client.ExpectedChainID()))
}

func TestRead_ContractCallErrors(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, callErr: rpcError{msg: "execution reverted"}}
	client := newTestClient(t, backend)
	_, err := client.Read(context.Background(), testContract)
	assert.ErrorIs(t, err, ErrContractCall)

	backend = &fakeBackend{chainID: 31337, callErr: errors.New("connection refused")}
	client = newTestClient(t, backend)
	_, err = client.Read(context.Background(), testContract)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestRead_InvalidAddress(t *testing.T) {
	backend := &fakeBackend{chainID: 31337}
	client := newTestClient(t, backend)

	_, err := client.Read(context.Background(), "not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)
	assert.Empty(t, backend.Calls())
}

func TestRead_ChainIDUnavailable(t *testing.T) {
	backend := &fakeBackend{chainIDErr: errors.New("dial tcp: connection refused")}
	client := newTestClient(t, backend)

	_, err := client.Read(context.Background(), testContract)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestWrite_Success(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, receiptAfter: 2, receiptStatus: types.ReceiptStatusSuccessful}
	client := newTestClient(t, backend)

	receipt, err := client.Write(context.Background(), testContract, "hello")
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(30000), tx.Gas())
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())
	assert.Equal(t, int64(31337), tx.ChainId().Int64())

	calls := backend.Calls()
	assert.Equal(t, []string{"ChainID", "EstimateGas", "PendingNonceAt", "SuggestGasPrice", "SendTransaction"}, calls[:5])
	assert.Equal(t, 3, backend.receiptPolls)
}

func TestWrite_WrongNetworkBeforeContractCall(t *testing.T) {
	backend := &fakeBackend{chainID: 5}
	client := newTestClient(t, backend)

	_, err := client.Write(context.Background(), testContract, "hello")
	require.ErrorIs(t, err, ErrWrongNetwork)
	assert.Equal(t, []string{"ChainID"}, backend.Calls())
	assert.Contains(t, UserMessage(err, 31337), "31337")
}

func TestWrite_EstimationFailure(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, estimateErr: rpcError{msg: "execution reverted"}}
	client := newTestClient(t, backend)

	_, err := client.Write(context.Background(), testContract, "hello")
	require.ErrorIs(t, err, ErrEstimation)
	assert.NotContains(t, backend.Calls(), "SendTransaction")
}

func TestWrite_SendRejected(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, sendErr: errors.New("insufficient funds for gas * price + value")}
	client := newTestClient(t, backend)

	_, err := client.Write(context.Background(), testContract, "hello")
	assert.ErrorIs(t, err, ErrChain)
}

func TestConfirm_Reverted(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, receiptStatus: types.ReceiptStatusFailed}
	client := newTestClient(t, backend)

	_, err := client.Write(context.Background(), testContract, "hello")
	assert.ErrorIs(t, err, ErrChain)
}

func TestConfirm_Timeout(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, receiptAfter: 1 << 30}
	client := newTestClient(t, backend)

	pending, err := client.Submit(context.Background(), testContract, "hello")
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Confirm(context.Background(), pending)
	require.ErrorIs(t, err, ErrChain)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSubmit_ReadOnlyClient(t *testing.T) {
	backend := &fakeBackend{chainID: 31337}
	client, err := NewClient(config.ChainConfig{ChainID: 31337}, backend)
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), testContract, "hello")
	require.ErrorIs(t, err, ErrChain)
	assert.Empty(t, backend.Calls())
}

func TestNewClient_RejectsIncompleteABI(t *testing.T) {
	_, err := NewClient(config.ChainConfig{
		ChainID: 31337,
		ABI:     `[{"inputs":[],"name":"currentMessage","outputs":[{"type":"string","name":""}],"stateMutability":"view","type":"function"}]`,
	}, &fakeBackend{})
	assert.Error(t, err)
}

func TestUserMessage_Distinct(t *testing.T) {
	kinds := []error{ErrEstimation, ErrChain, ErrWrongNetwork, ErrDecode, ErrNetwork, ErrInvalidAddress, ErrContractCall}
	seen := map[string]bool{}
	for _, k := range kinds {
		msg := UserMessage(k, 31337)
		assert.NotEmpty(t, msg)
		assert.False(t, seen[msg], "duplicate message %q", msg)
		seen[msg] = true
	}
	assert.Empty(t, UserMessage(nil, 31337))
}
