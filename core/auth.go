package core

import (
	"slices"
	"time"
)

// TokenKind distinguishes access credentials from renewal credentials
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRenewal TokenKind = "renewal"
)

// CredentialPair is the access/renewal credential pair held by the client
type CredentialPair struct {
	AccessToken      string    // Short-lived credential authorizing API calls
	RefreshToken     string    // Long-lived credential used only for renewal
	AccessExpiresAt  time.Time // When the access credential expires
	RefreshExpiresAt time.Time // When the renewal credential expires
}

// Validate checks the structural invariants of the pair
func (p CredentialPair) Validate() error {
	if p.AccessToken == "" || p.RefreshToken == "" {
		return New(CodeTokenInvalid, "credential pair is incomplete")
	}
	if p.AccessExpiresAt.IsZero() || p.RefreshExpiresAt.IsZero() {
		return New(CodeTokenInvalid, "credential pair is missing expiry")
	}
	if p.AccessExpiresAt.After(p.RefreshExpiresAt) {
		return New(CodeTokenInvalid, "access credential outlives renewal credential")
	}
	return nil
}

// Claims is the decoded view of a credential payload
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	NotBefore time.Time
	ID        string
	Kind      TokenKind
	Scopes    []string
}

// CredentialMetadata is persisted next to the credentials. Its presence marks
// a stored pair as complete.
type CredentialMetadata struct {
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	IssuedAt         time.Time `json:"issuedAt"`
}

// SessionFlag is a member of a session record's flag set
type SessionFlag string

const (
	SessionFlagActive      SessionFlag = "active"
	SessionFlagRestored    SessionFlag = "restored"
	SessionFlagInvalidated SessionFlag = "invalidated"
)

// SessionRecord represents an authenticated session that can be restored
// after the process restarts
type SessionRecord struct {
	SubjectID         string        `json:"subjectId"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastActivityAt    time.Time     `json:"lastActivityAt"`
	DeviceFingerprint string        `json:"deviceFingerprint"`
	Flags             []SessionFlag `json:"flags"`
}

// HasFlag reports whether the record carries the flag
func (r SessionRecord) HasFlag(flag SessionFlag) bool {
	return slices.Contains(r.Flags, flag)
}

// WithFlag returns the flag set with flag added
func (r SessionRecord) WithFlag(flag SessionFlag) []SessionFlag {
	if r.HasFlag(flag) {
		return slices.Clone(r.Flags)
	}
	return append(slices.Clone(r.Flags), flag)
}

// WithoutFlag returns the flag set with flag removed
func (r SessionRecord) WithoutFlag(flag SessionFlag) []SessionFlag {
	return slices.DeleteFunc(slices.Clone(r.Flags), func(f SessionFlag) bool { return f == flag })
}
