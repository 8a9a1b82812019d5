package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrEstimation means the pre-flight gas estimate failed; the write would likely revert.
	ErrEstimation = errors.New("gas estimation failed")
	// ErrChain means submission was rejected, the transaction reverted, or confirmation timed out.
	ErrChain = errors.New("transaction failed")
	// ErrWrongNetwork means the node reports a chain id other than the configured one.
	ErrWrongNetwork = errors.New("wrong network")
	// ErrDecode means the contract call returned data that cannot be decoded,
	// usually because nothing is deployed at the address.
	ErrDecode = errors.New("could not decode contract data")
	// ErrNetwork means the RPC endpoint could not be reached.
	ErrNetwork = errors.New("chain rpc unavailable")
	// ErrInvalidAddress means the contract address is not a 20-byte hex address.
	ErrInvalidAddress = errors.New("invalid contract address")
	// ErrContractCall means the node answered a read call with an execution error.
	ErrContractCall = errors.New("contract call failed")
)

// UserMessage 返回面向用户的错误描述，每类错误各不相同。
func UserMessage(err error, expectedChainID int64) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWrongNetwork):
		return fmt.Sprintf("Error: Please connect to the Hardhat localhost network (chain ID %d).", expectedChainID)
	case errors.Is(err, ErrDecode):
		return "Error: Could not decode contract data. The contract may not be deployed at this address."
	case errors.Is(err, ErrEstimation):
		return "Error: Failed to estimate gas. The transaction might fail."
	case errors.Is(err, ErrChain):
		return "Error: Transaction failed. Please check if you have enough ETH for gas and if the contract is properly deployed."
	case errors.Is(err, ErrNetwork):
		return "Error: Could not reach the blockchain node. Please try again."
	case errors.Is(err, ErrInvalidAddress):
		return "Error: The contract address is not a valid address."
	case errors.Is(err, ErrContractCall):
		return "Error: The contract rejected the call."
	default:
		return "Error: Unknown contract error."
	}
}
