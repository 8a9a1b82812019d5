// Package chain provides the client that reads and writes the Message contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"msgchain-go/internal/config"
	"msgchain-go/pkg/log"
)

const (
	methodCurrentMessage = "currentMessage"
	methodSetMessage     = "setMessage"
)

// Backend is the subset of the JSON-RPC client the contract client needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// PendingTransaction exists only between submission and confirmation.
type PendingTransaction struct {
	Address common.Address
	Message string
	Tx      *types.Transaction
}

// Hash returns the transaction hash.
func (p *PendingTransaction) Hash() common.Hash {
	return p.Tx.Hash()
}

// Client writes to and reads from the Message contract.
type Client struct {
	backend        Backend
	contract       abi.ABI
	chainID        *big.Int
	defaultAddress string
	key            *ecdsa.PrivateKey
	from           common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// Dial connects to the configured RPC endpoint and builds a Client on top of it.
func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNetwork, cfg.RPCURL, err)
	}
	return NewClient(cfg, ec)
}

// NewClient builds a Client over an existing backend. An empty private key
// yields a read-only client.
func NewClient(cfg config.ChainConfig, backend Backend) (*Client, error) {
	abiJSON := cfg.ABI
	if abiJSON == "" {
		abiJSON = config.DefaultMessageABI
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract abi: %w", err)
	}
	for _, name := range []string{methodCurrentMessage, methodSetMessage} {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, fmt.Errorf("contract abi is missing method %q", name)
		}
	}

	c := &Client{
		backend:        backend,
		contract:       parsed,
		chainID:        big.NewInt(cfg.ChainID),
		defaultAddress: cfg.ContractAddress,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 2 * time.Minute
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}

	if hexKey := strings.TrimPrefix(cfg.PrivateKey, "0x"); hexKey != "" {
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// ExpectedChainID returns the only chain id this client accepts.
func (c *Client) ExpectedChainID() int64 {
	return c.chainID.Int64()
}

// ResolveAddress parses address, falling back to the configured contract.
func (c *Client) ResolveAddress(address string) (common.Address, error) {
	if address == "" {
		address = c.defaultAddress
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return common.HexToAddress(address), nil
}

// checkNetwork must run before every contract call.
func (c *Client) checkNetwork(ctx context.Context) error {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: chain id: %w", ErrNetwork, err)
	}
	if id.Cmp(c.chainID) != 0 {
		log.Warnw("connected to unexpected network", "chainId", id.String(), "expected", c.chainID.String())
		return fmt.Errorf("%w: connected to chain %s, expected %s", ErrWrongNetwork, id, c.chainID)
	}
	return nil
}

// Read fetches the contract's current stored message.
func (c *Client) Read(ctx context.Context, address string) (string, error) {
	addr, err := c.ResolveAddress(address)
	if err != nil {
		return "", err
	}
	if err := c.checkNetwork(ctx); err != nil {
		return "", err
	}

	data, err := c.contract.Pack(methodCurrentMessage)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s: %w", methodCurrentMessage, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %w", ErrContractCall, err)
		}
		return "", fmt.Errorf("%w: call %s: %w", ErrNetwork, methodCurrentMessage, err)
	}

	values, err := c.contract.Unpack(methodCurrentMessage, out)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(values) != 1 {
		return "", fmt.Errorf("%w: expected 1 value, got %d", ErrDecode, len(values))
	}
	msg, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected type %T", ErrDecode, values[0])
	}
	return msg, nil
}

// Submit estimates gas for setMessage, signs and sends the transaction.
// It returns as soon as the node accepts the transaction.
func (c *Client) Submit(ctx context.Context, address, message string) (*PendingTransaction, error) {
	addr, err := c.ResolveAddress(address)
	if err != nil {
		return nil, err
	}
	if c.key == nil {
		return nil, fmt.Errorf("%w: no signing key configured", ErrChain)
	}
	if err := c.checkNetwork(ctx); err != nil {
		return nil, err
	}

	data, err := c.contract.Pack(methodSetMessage, message)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", methodSetMessage, err)
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &addr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEstimation, err)
	}
	log.Infow("estimated gas", "contract", addr.Hex(), "gas", gas)

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %w", ErrNetwork, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %w", ErrNetwork, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &addr,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %w", ErrChain, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: send: %w", ErrChain, err)
	}

	log.Infow("transaction sent", "contract", addr.Hex(), "tx", signed.Hash().Hex(), "from", c.from.Hex())
	return &PendingTransaction{Address: addr, Message: message, Tx: signed}, nil
}

// Confirm blocks until the pending transaction is mined successfully, it
// reverts, or the confirm timeout expires.
func (c *Client) Confirm(ctx context.Context, pending *PendingTransaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	hash := pending.Hash()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: transaction %s reverted", ErrChain, hash.Hex())
			}
			log.Infow("transaction confirmed", "tx", hash.Hex(), "block", receipt.BlockNumber)
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			log.Warnw("failed to fetch receipt, retrying", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %w", ErrChain, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Write submits setMessage and waits for its confirmation.
func (c *Client) Write(ctx context.Context, address, message string) (*types.Receipt, error) {
	pending, err := c.Submit(ctx, address, message)
	if err != nil {
		return nil, err
	}
	return c.Confirm(ctx, pending)
}
