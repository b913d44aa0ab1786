// Package token extracts identity claims from the two-part session token
// carried in the SESSID cookie. It only decodes; it never verifies a
// signature or an expiry.
package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedToken classifies every decode failure. Use errors.Is.
var ErrMalformedToken = errors.New("malformed token")

// MalformedError carries the human readable reason a token was rejected.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Is reports true for ErrMalformedToken so callers can classify without
// caring about the reason.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformedToken }

// Malformed returns a MalformedError with the given reason.
func Malformed(reason string) error {
	return &MalformedError{Reason: reason}
}

// Identity is the user identity claimed by the token.
type Identity struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Claims is the result of a successful decode.
type Claims struct {
	// Token is the payload component, stored as the session token.
	Token string
	// Raw is the full cookie value, forwarded to the backend as-is.
	Raw      string
	Identity Identity
}

type payload struct {
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// Decode splits a cookie value of the form "<header>.<payload>" and extracts
// the identity from the base64 JSON payload. Missing name claims decode as
// empty strings.
func Decode(cookieValue string) (Claims, error) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return Claims{}, Malformed("Invalid SESSID cookie content.")
	}

	data, err := decodeSegment(parts[1])
	if err != nil {
		return Claims{}, &MalformedError{Reason: "invalid token payload encoding", Err: err}
	}

	// The payload must be an object; json.Unmarshal accepts null into a struct.
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return Claims{}, Malformed("invalid token payload")
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Claims{}, &MalformedError{Reason: "invalid token payload", Err: err}
	}

	return Claims{
		Token: parts[1],
		Raw:   cookieValue,
		Identity: Identity{
			FirstName: p.GivenName,
			LastName:  p.FamilyName,
		},
	}, nil
}

// decodeSegment accepts both the standard and the URL alphabet, padded or not.
func decodeSegment(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	return base64.RawStdEncoding.DecodeString(s)
}
