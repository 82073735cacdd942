package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/furqan-qadri/BlokRentals/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// microPerUnit scales whole deposit units to the chain's smallest denomination.
const microPerUnit = 1_000_000

// EthProvider is a signing agent backed by an EVM-compatible node holding
// the deposit escrow contract.
type EthProvider struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthProviderConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
}

func NewEthProvider(ctx context.Context, cfg EthProviderConfig) (*EthProvider, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for locking deposits")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.DepositEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.Context = ctx
	txOpts.GasLimit = 0 // let node estimate

	return &EthProvider{
		client:    cli,
		contract:  bound,
		abi:       parsedABI,
		address:   address,
		chainID:   chainID,
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Connect reports the transactor's account; the node itself is the session.
func (p *EthProvider) Connect(ctx context.Context) (Connection, error) {
	if p.client == nil || p.transacts == nil {
		return nil, ErrAgentUnavailable
	}
	if _, err := p.client.BlockNumber(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return AccountResponse{AccountAddress: p.transacts.From.Hex()}, nil
}

// SendTransaction submits a value-carrying deposit call to the escrow
// contract and returns the transaction hash.
func (p *EthProvider) SendTransaction(ctx context.Context, account string, contract ContractAddress, receiveName string, amount int64) (string, error) {
	if p.transacts == nil {
		return "", fmt.Errorf("provider is read-only")
	}
	if amount <= 0 {
		return "", fmt.Errorf("invalid amount: %d", amount)
	}

	opts := *p.transacts
	opts.Context = ctx
	opts.Value = new(big.Int).Mul(big.NewInt(amount), big.NewInt(microPerUnit))

	method := contractMethod(receiveName)
	tx, err := p.contract.Transact(&opts, method, contract.Index, contract.Subindex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}
	return tx.Hash().Hex(), nil
}

// contractMethod maps a receive name like "escrow.deposit" onto the ABI
// method name.
func contractMethod(receiveName string) string {
	if idx := strings.LastIndex(receiveName, "."); idx >= 0 {
		return receiveName[idx+1:]
	}
	return receiveName
}

// WaitForReceipt polls until the transaction is mined or the context is
// cancelled.
func (p *EthProvider) WaitForReceipt(ctx context.Context, txHash string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	hash := common.HexToHash(txHash)
	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return nil
		}
		if err != nil && err.Error() != "not found" {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *EthProvider) Ping(ctx context.Context) error {
	if p.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := p.client.BlockNumber(ctx)
	return err
}
