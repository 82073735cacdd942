package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FakeProvider hashes the submission payload to deterministically emulate
// transaction hashes in tests and local dev.
type FakeProvider struct {
	// Account is returned by GetMostRecentlySelectedAccount and used when
	// ConnectResponse is nil.
	Account string
	// ConnectResponse overrides the connect shape when non-nil.
	ConnectResponse Connection
	ConnectErr      error
	SubmitErr       error
}

func (f *FakeProvider) Connect(_ context.Context) (Connection, error) {
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	if f.ConnectResponse != nil {
		return f.ConnectResponse, nil
	}
	return AccountResponse{AccountAddress: f.account()}, nil
}

func (f *FakeProvider) GetMostRecentlySelectedAccount(_ context.Context) (string, error) {
	return f.account(), nil
}

func (f *FakeProvider) SendTransaction(_ context.Context, account string, contract ContractAddress, receiveName string, amount int64) (string, error) {
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	return fakeHash(fmt.Sprintf("%s|%d,%d|%s|%d", account, contract.Index, contract.Subindex, receiveName, amount)), nil
}

func (f *FakeProvider) account() string {
	if f.Account != "" {
		return f.Account
	}
	return "4RgTGQhgjE8t7YTqZ8zcyvHLHvdNbVqOQEnJpB3XQxCYNAbnm8"
}

// LegacySignerProvider exposes only the older signAndSend entry point and
// connects with a bare account string.
type LegacySignerProvider struct {
	Account   string
	SubmitErr error
}

func (l *LegacySignerProvider) Connect(_ context.Context) (Connection, error) {
	return l.Account, nil
}

func (l *LegacySignerProvider) SignAndSendTransaction(_ context.Context, account string, contract ContractAddress, receiveName string, amount int64) (string, error) {
	if l.SubmitErr != nil {
		return "", l.SubmitErr
	}
	return fakeHash(fmt.Sprintf("%s|%d,%d|%s|%d", account, contract.Index, contract.Subindex, receiveName, amount)), nil
}

// BareProvider connects but supports no submission entry point at all.
type BareProvider struct {
	Account string
}

func (b *BareProvider) Connect(_ context.Context) (Connection, error) {
	return b.Account, nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
