package wallet

import (
	"context"
	"errors"
	"testing"
)

func TestResolveAccountShapes(t *testing.T) {
	ctx := context.Background()
	provider := &FakeProvider{Account: "acct-recent"}

	cases := []struct {
		name string
		conn Connection
		want string
	}{
		{"bare string", "acct-string", "acct-string"},
		{"session falls back to most recent account", Session{GenesisHash: "9dd9ca4d"}, "acct-recent"},
		{"accountAddress field", AccountResponse{AccountAddress: "acct-addr"}, "acct-addr"},
		{"legacy account field", LegacyAccountResponse{Account: "acct-legacy"}, "acct-legacy"},
		{"list takes first entry", []string{"acct-first", "acct-second"}, "acct-first"},
	}

	for _, tc := range cases {
		got, err := ResolveAccount(ctx, provider, tc.conn)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q got %q", tc.name, tc.want, got)
		}
	}
}

func TestResolveAccountFailures(t *testing.T) {
	ctx := context.Background()
	provider := &FakeProvider{}

	cases := []struct {
		name string
		conn Connection
	}{
		{"nil connection", nil},
		{"empty string", ""},
		{"empty list", []string{}},
		{"empty account field", AccountResponse{}},
		{"unknown shape", 42},
	}

	for _, tc := range cases {
		if _, err := ResolveAccount(ctx, provider, tc.conn); !errors.Is(err, ErrNoAccountResolved) {
			t.Fatalf("%s: expected ErrNoAccountResolved got %v", tc.name, err)
		}
	}
}

func TestResolveAccountSessionWithoutFetcher(t *testing.T) {
	// BareProvider cannot follow up a session response with an account fetch.
	provider := &BareProvider{}
	if _, err := ResolveAccount(context.Background(), provider, Session{}); !errors.Is(err, ErrNoAccountResolved) {
		t.Fatalf("expected ErrNoAccountResolved got %v", err)
	}
}

func TestSubmitProbesEntryPoints(t *testing.T) {
	ctx := context.Background()
	contract := ContractAddress{Index: 12284, Subindex: 0}

	modern := &FakeProvider{}
	hash, err := Submit(ctx, modern, "acct", contract, "escrow.deposit", 590)
	if err != nil || hash == "" {
		t.Fatalf("sendTransaction path failed: hash=%q err=%v", hash, err)
	}

	legacy := &LegacySignerProvider{Account: "acct"}
	legacyHash, err := Submit(ctx, legacy, "acct", contract, "escrow.deposit", 590)
	if err != nil || legacyHash == "" {
		t.Fatalf("signAndSendTransaction path failed: hash=%q err=%v", legacyHash, err)
	}
	if hash != legacyHash {
		t.Fatalf("equivalent entry points should produce the same fake hash")
	}

	if _, err := Submit(ctx, &BareProvider{Account: "acct"}, "acct", contract, "escrow.deposit", 590); !errors.Is(err, ErrUnsupportedAgent) {
		t.Fatalf("expected ErrUnsupportedAgent got %v", err)
	}
}
