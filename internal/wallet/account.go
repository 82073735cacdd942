package wallet

import "context"

// Session is returned by wallet-api style agents in place of an account; the
// GenesisHash identifies the network the session is bound to.
type Session struct {
	GenesisHash string
}

// AccountResponse is the structured connect response carrying the address.
type AccountResponse struct {
	AccountAddress string
}

// LegacyAccountResponse is the older field name some agents still use.
type LegacyAccountResponse struct {
	Account string
}

// ResolveAccount extracts the signing account from a connect response. The
// known shapes are attempted in a fixed priority order: bare string, session
// requiring a follow-up account fetch, accountAddress field, account field,
// non-empty list. Anything else fails with ErrNoAccountResolved.
func ResolveAccount(ctx context.Context, provider Provider, conn Connection) (string, error) {
	switch v := conn.(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case Session:
		if fetcher, ok := provider.(MostRecentAccounter); ok {
			account, err := fetcher.GetMostRecentlySelectedAccount(ctx)
			if err == nil && account != "" {
				return account, nil
			}
		}
	case AccountResponse:
		if v.AccountAddress != "" {
			return v.AccountAddress, nil
		}
	case LegacyAccountResponse:
		if v.Account != "" {
			return v.Account, nil
		}
	case []string:
		if len(v) > 0 && v[0] != "" {
			return v[0], nil
		}
	}
	return "", ErrNoAccountResolved
}
