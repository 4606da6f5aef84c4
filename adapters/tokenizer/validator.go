package tokenizer

import (
	"slices"
	"time"

	"github.com/layer-3/credkeeper/core"
)

// Reason enumerates why a credential failed validation
type Reason string

const (
	ReasonMalformed          Reason = "malformed"
	ReasonExpired            Reason = "expired"
	ReasonNotYetValid        Reason = "not-yet-valid"
	ReasonIssuedInFuture     Reason = "issued-in-future"
	ReasonIssuerNotAllowed   Reason = "issuer-not-allowed"
	ReasonAudienceNotAllowed Reason = "audience-not-allowed"
	ReasonMissingSubject     Reason = "missing-subject"
	ReasonMissingIssuedAt    Reason = "missing-issued-at"
	ReasonMissingExpiry      Reason = "missing-expiry"
	ReasonMissingID          Reason = "missing-id"
	ReasonWrongKind          Reason = "wrong-kind"
	ReasonMissingScope       Reason = "missing-scope"
)

const (
	DefaultGrace     = 30 * time.Second
	DefaultClockSkew = 5 * time.Minute
)

// Rules selects which checks Validate runs. Every check can be toggled
// independently.
type Rules struct {
	CheckStructure      bool
	CheckExpiry         bool
	CheckIssuer         bool
	CheckAudience       bool
	CheckNotBefore      bool
	CheckIssuedAt       bool
	CheckRequiredClaims bool

	// Grace extends the expiry: a credential is accepted while now < exp + Grace
	Grace time.Duration
	// ClockSkew bounds how far in the future issued-at may be
	ClockSkew time.Duration

	AllowedIssuers   []string
	AllowedAudiences []string

	// Now defaults to time.Now
	Now func() time.Time
}

// DefaultRules enables every check except the issuer and audience
// allow-lists, which are enabled by WithIssuers and WithAudiences.
func DefaultRules() Rules {
	return Rules{
		CheckStructure:      true,
		CheckExpiry:         true,
		CheckNotBefore:      true,
		CheckIssuedAt:       true,
		CheckRequiredClaims: true,
		Grace:               DefaultGrace,
		ClockSkew:           DefaultClockSkew,
	}
}

// WithIssuers enables the issuer allow-list
func (r Rules) WithIssuers(issuers ...string) Rules {
	r.CheckIssuer = len(issuers) > 0
	r.AllowedIssuers = slices.Clone(issuers)
	return r
}

// WithAudiences enables the audience allow-list
func (r Rules) WithAudiences(audiences ...string) Rules {
	r.CheckAudience = len(audiences) > 0
	r.AllowedAudiences = slices.Clone(audiences)
	return r
}

func (r Rules) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Result is the outcome of a validation
type Result struct {
	OK        bool
	Reasons   []Reason
	Claims    *core.Claims
	ExpiresAt time.Time
}

// Has reports whether the result carries reason
func (r Result) Has(reason Reason) bool {
	return slices.Contains(r.Reasons, reason)
}

func (r *Result) fail(reason Reason) {
	if !r.Has(reason) {
		r.Reasons = append(r.Reasons, reason)
	}
}

// Validate decodes the credential and checks it against rules. It never
// returns an error: failures are reported as reasons.
func Validate(credential string, rules Rules) Result {
	var res Result

	if rules.CheckStructure && !wellFormed(credential) {
		res.fail(ReasonMalformed)
		return res
	}
	claims, err := decode(credential)
	if err != nil {
		res.fail(ReasonMalformed)
		return res
	}
	res.Claims = &claims
	res.ExpiresAt = claims.ExpiresAt

	now := rules.now()

	if rules.CheckExpiry && !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt.Add(rules.Grace)) {
		res.fail(ReasonExpired)
	}
	if rules.CheckNotBefore && !claims.NotBefore.IsZero() && now.Before(claims.NotBefore) {
		res.fail(ReasonNotYetValid)
	}
	if rules.CheckIssuedAt && !claims.IssuedAt.IsZero() && claims.IssuedAt.After(now.Add(rules.ClockSkew)) {
		res.fail(ReasonIssuedInFuture)
	}
	if rules.CheckIssuer && !slices.Contains(rules.AllowedIssuers, claims.Issuer) {
		res.fail(ReasonIssuerNotAllowed)
	}
	if rules.CheckAudience && !anyAllowed(claims.Audience, rules.AllowedAudiences) {
		res.fail(ReasonAudienceNotAllowed)
	}
	if rules.CheckRequiredClaims {
		if claims.Subject == "" {
			res.fail(ReasonMissingSubject)
		}
		if claims.IssuedAt.IsZero() {
			res.fail(ReasonMissingIssuedAt)
		}
		if claims.ExpiresAt.IsZero() {
			res.fail(ReasonMissingExpiry)
		}
		if claims.Kind == core.TokenKindRenewal && claims.ID == "" {
			res.fail(ReasonMissingID)
		}
	}

	res.OK = len(res.Reasons) == 0
	return res
}

// ValidateAccess validates an access credential: kind must be access and the
// scope list must not be empty.
func ValidateAccess(credential string, rules Rules) Result {
	res := Validate(credential, rules)
	if res.Claims == nil {
		return res
	}
	if res.Claims.Kind != core.TokenKindAccess {
		res.fail(ReasonWrongKind)
	}
	if len(res.Claims.Scopes) == 0 {
		res.fail(ReasonMissingScope)
	}
	res.OK = len(res.Reasons) == 0
	return res
}

// ValidateRenewal validates a renewal credential: kind must be renewal and a
// unique id is required.
func ValidateRenewal(credential string, rules Rules) Result {
	res := Validate(credential, rules)
	if res.Claims == nil {
		return res
	}
	if res.Claims.Kind != core.TokenKindRenewal {
		res.fail(ReasonWrongKind)
	}
	if res.Claims.ID == "" {
		res.fail(ReasonMissingID)
	}
	res.OK = len(res.Reasons) == 0
	return res
}

func anyAllowed(values, allowed []string) bool {
	for _, v := range values {
		if slices.Contains(allowed, v) {
			return true
		}
	}
	return false
}
