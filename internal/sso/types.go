package sso

import "time"

// Account links a source-system unique ID to a destination subaccount.
type Account struct {
	UniqueID     string
	SubaccountID string
	Email        string
	FirstName    string
	LastName     string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ClientCredential is the shared secret of one integrated source system.
type ClientCredential struct {
	ClientID  string
	Secret    string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Flow names the request flow an access attempt belongs to.
type Flow string

const (
	FlowLoginNotify         Flow = "login_notify"
	FlowAuthenticate        Flow = "authenticate"
	FlowDestinationCallback Flow = "destination_callback"
)

// Outcome is the recorded result of an access attempt.
type Outcome string

const (
	OutcomeSuccess                Outcome = "success"
	OutcomeInvalidRequest         Outcome = "invalid_request"
	OutcomeInvalidClientSignature Outcome = "invalid_client_signature"
	OutcomeUnknownAccount         Outcome = "unknown_account"
	OutcomeInvalidSignature       Outcome = "invalid_signature"
	OutcomeExpired                Outcome = "expired"
	OutcomeNotFound               Outcome = "not_found"
	OutcomeReplayed               Outcome = "replayed"
	OutcomeStorageUnavailable     Outcome = "storage_unavailable"
)

// UnknownUniqueID is recorded when the caller's identity could not be established.
const UnknownUniqueID = "unknown"

// AccessLogEntry is an append-only record of one access attempt.
type AccessLogEntry struct {
	ID           string
	OccurredAt   time.Time
	Flow         Flow
	UniqueID     string
	ClientID     string
	SourceIP     string
	UserAgent    string
	Outcome      Outcome
	SubaccountID string
	RequestID    string
}

// Attempt carries transport details of the request being handled.
type Attempt struct {
	SourceIP  string
	UserAgent string
	RequestID string
}
