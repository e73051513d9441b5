package cognito

import (
	"errors"
	"fmt"
)

// Kind classifies why an ID token was rejected.
type Kind int

const (
	KindUnknown Kind = iota
	MalformedToken
	UnsupportedAlgorithm
	UnknownKey
	InvalidSignature
	Expired
	NotYetValid
	IssuedInFuture
	InvalidAudience
	InvalidIssuer
	WrongTokenType
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	MalformedToken:       "malformed_token",
	UnsupportedAlgorithm: "unsupported_algorithm",
	UnknownKey:           "unknown_key",
	InvalidSignature:     "invalid_signature",
	Expired:              "expired",
	NotYetValid:          "not_yet_valid",
	IssuedInFuture:       "issued_in_future",
	InvalidAudience:      "invalid_audience",
	InvalidIssuer:        "invalid_issuer",
	WrongTokenType:       "wrong_token_type",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// VerificationError reports a rejected token. Reason is for logs only.
type VerificationError struct {
	Kind   Kind
	Reason string
}

func (e *VerificationError) Error() string {
	if e.Reason == "" {
		return "verify token: " + e.Kind.String()
	}
	return "verify token: " + e.Kind.String() + ": " + e.Reason
}

// Is matches any VerificationError of the same kind.
func (e *VerificationError) Is(target error) bool {
	var other *VerificationError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrMalformedToken       = &VerificationError{Kind: MalformedToken}
	ErrUnsupportedAlgorithm = &VerificationError{Kind: UnsupportedAlgorithm}
	ErrUnknownKey           = &VerificationError{Kind: UnknownKey}
	ErrInvalidSignature     = &VerificationError{Kind: InvalidSignature}
	ErrExpired              = &VerificationError{Kind: Expired}
	ErrNotYetValid          = &VerificationError{Kind: NotYetValid}
	ErrIssuedInFuture       = &VerificationError{Kind: IssuedInFuture}
	ErrInvalidAudience      = &VerificationError{Kind: InvalidAudience}
	ErrInvalidIssuer        = &VerificationError{Kind: InvalidIssuer}
	ErrWrongTokenType       = &VerificationError{Kind: WrongTokenType}
)

// ErrConfiguration is wrapped when required Cognito settings are missing.
var ErrConfiguration = errors.New("cognito not configured")

// ErrTokenExchange is wrapped by every code exchange failure.
var ErrTokenExchange = errors.New("token exchange failed")

// KindOf extracts the verification kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}

func fail(kind Kind, format string, args ...any) error {
	return &VerificationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
