package wallet

import (
	"context"
	"errors"
)

var (
	ErrAgentUnavailable   = errors.New("signing agent unavailable")
	ErrNoAccountResolved  = errors.New("no account returned from signing agent")
	ErrUnsupportedAgent   = errors.New("signing agent does not support transaction submission")
	ErrSubmissionRejected = errors.New("transaction submission rejected")
)

// ContractAddress identifies the deposit-holding escrow contract instance.
type ContractAddress struct {
	Index    uint64 `json:"index"`
	Subindex uint64 `json:"subindex"`
}

// Connection is whatever the signing agent hands back from Connect. Agents
// disagree on the shape; ResolveAccount normalizes it.
type Connection any

// Provider abstracts the user-controlled signing agent.
type Provider interface {
	Connect(ctx context.Context) (Connection, error)
}

// MostRecentAccounter is implemented by agents whose Connect returns a bare
// session; the active account is fetched through a follow-up call.
type MostRecentAccounter interface {
	GetMostRecentlySelectedAccount(ctx context.Context) (string, error)
}

// TransactionSender is the primary submission entry point.
type TransactionSender interface {
	SendTransaction(ctx context.Context, account string, contract ContractAddress, receiveName string, amount int64) (string, error)
}

// TransactionSignSender is the equivalent entry point older agents expose.
type TransactionSignSender interface {
	SignAndSendTransaction(ctx context.Context, account string, contract ContractAddress, receiveName string, amount int64) (string, error)
}

// ReceiptWaiter is implemented by providers that can poll real transaction
// finality instead of relying on a fixed confirmation window.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, txHash string) error
}

// HealthChecker reports whether the agent's backing node is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Submit probes the agent's submission entry points in priority order.
func Submit(ctx context.Context, provider Provider, account string, contract ContractAddress, receiveName string, amount int64) (string, error) {
	if sender, ok := provider.(TransactionSender); ok {
		return sender.SendTransaction(ctx, account, contract, receiveName, amount)
	}
	if signer, ok := provider.(TransactionSignSender); ok {
		return signer.SignAndSendTransaction(ctx, account, contract, receiveName, amount)
	}
	return "", ErrUnsupportedAgent
}
