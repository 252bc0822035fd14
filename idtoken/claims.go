// Package idtoken extracts identity claims from provider-issued ID tokens.
//
// Decode reads the payload of a compact token without checking its signature.
// Callers that need the signature checked plug in a Verifier (see
// NewJWKSVerifier) and run it before trusting the decoded claims.
package idtoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedToken reports a token whose payload segment cannot be read.
var ErrMalformedToken = errors.New("malformed token")

// Claims is the normalized identity claim set carried by an ID token.
type Claims struct {
	Subject     string   `json:"sub"`
	Name        string   `json:"name"`
	Nickname    string   `json:"nickname"`
	GivenName   string   `json:"given_name"`
	FamilyName  string   `json:"family_name"`
	Email       string   `json:"email"`
	PhoneNumber string   `json:"phone_number"`
	AMR         []string `json:"amr"`
}

// segmentParser pads base64url segments to a multiple of four before decoding.
var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode returns the claims in the payload of an unverified compact token.
// Absent claims and claims of the wrong JSON type default to empty values;
// a missing email is not an error here.
func Decode(idToken string) (Claims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) < 2 {
		return Claims{}, fmt.Errorf("%w: expected at least 2 segments, got %d", ErrMalformedToken, len(parts))
	}

	payload, err := segmentParser.DecodeSegment(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: decode payload: %v", ErrMalformedToken, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return Claims{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedToken)
	}

	return Claims{
		Subject:     stringClaim(raw["sub"]),
		Name:        stringClaim(raw["name"]),
		Nickname:    stringClaim(raw["nickname"]),
		GivenName:   stringClaim(raw["given_name"]),
		FamilyName:  stringClaim(raw["family_name"]),
		Email:       stringClaim(raw["email"]),
		PhoneNumber: stringClaim(raw["phone_number"]),
		AMR:         listClaim(raw["amr"]),
	}, nil
}

// stringClaim yields "" for an absent claim or one that is not a JSON string.
func stringClaim(v json.RawMessage) string {
	var s string
	if len(v) == 0 || json.Unmarshal(v, &s) != nil {
		return ""
	}
	return s
}

// listClaim accepts a string array or a single string. Non-string entries
// are skipped.
func listClaim(v json.RawMessage) []string {
	out := []string{}
	if len(v) == 0 {
		return out
	}
	if s := stringClaim(v); s != "" {
		return append(out, s)
	}
	var items []json.RawMessage
	if json.Unmarshal(v, &items) != nil {
		return out
	}
	for _, item := range items {
		if s := stringClaim(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
