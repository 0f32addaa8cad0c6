package sso

import "context"

// AccountDirectory maps unique IDs to destination subaccounts.
// Lookup returns ErrNotFound for missing or inactive accounts.
type AccountDirectory interface {
	AccountRegistry
	Lookup(ctx context.Context, uniqueID string) (*Account, error)
	Upsert(ctx context.Context, acct *Account) error
	List(ctx context.Context, limit int) ([]*Account, error)
}

// AccountRegistry reports whether a record exists for uniqueID, active or not.
type AccountRegistry interface {
	Exists(ctx context.Context, uniqueID string) (bool, error)
}

// ClientStore resolves client credentials.
type ClientStore interface {
	FindClient(ctx context.Context, clientID string) (*ClientCredential, error)
	FindClientByName(ctx context.Context, name string) (*ClientCredential, error)
	ActiveClients(ctx context.Context) ([]*ClientCredential, error)
	CreateClient(ctx context.Context, c *ClientCredential) error
	UpdateClientSecret(ctx context.Context, clientID, secret string) error
}

// AccessLog appends immutable access-attempt entries.
type AccessLog interface {
	Append(ctx context.Context, entry *AccessLogEntry) error
}

// AccessLogReader lists recent entries, newest first.
type AccessLogReader interface {
	Recent(ctx context.Context, limit int) ([]*AccessLogEntry, error)
}

// Store bundles every persistence concern of the bridge.
type Store interface {
	AccountDirectory
	ClientStore
	AccessLog
	AccessLogReader
	Ping(ctx context.Context) error
}
