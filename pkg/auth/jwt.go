package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type TokenClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Iss   string   `json:"iss,omitempty"`
	Aud   any      `json:"aud,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type rawToken struct {
	header  jwtHeader
	payload []byte
	signed  string
	sig     []byte
}

func splitToken(token string) (rawToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return rawToken{}, errors.New("invalid token format")
	}
	var out rawToken
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return rawToken{}, err
	}
	if out.payload, err = base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return rawToken{}, err
	}
	if out.sig, err = base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return rawToken{}, err
	}
	if err := json.Unmarshal(headerRaw, &out.header); err != nil {
		return rawToken{}, err
	}
	out.signed = parts[0] + "." + parts[1]
	return out, nil
}

func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	raw, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if !strings.EqualFold(raw.header.Alg, "HS256") {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(raw.signed))
	if !hmac.Equal(raw.sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	return checkClaims(raw.payload, now, issuer, audience)
}

func VerifyRS256Token(ctx context.Context, token string, now time.Time, keys *jwksCache, issuer, audience string) (TokenClaims, error) {
	raw, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	if !strings.EqualFold(raw.header.Alg, "RS256") {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	if strings.TrimSpace(raw.header.Kid) == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := keys.key(ctx, raw.header.Kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	h := sha256.Sum256([]byte(raw.signed))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], raw.sig); err != nil {
		return TokenClaims{}, err
	}
	return checkClaims(raw.payload, now, issuer, audience)
}

func checkClaims(payload []byte, now time.Time, issuer, audience string) (TokenClaims, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return TokenClaims{}, err
	}
	var claims TokenClaims
	decode := func(name string, dst any) {
		if v, ok := fields[name]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	decode("sub", &claims.Sub)
	decode("iss", &claims.Iss)
	decode("aud", &claims.Aud)
	decode("exp", &claims.Exp)
	decode("nbf", &claims.Nbf)
	decode("iat", &claims.Iat)
	if v, ok := fields["roles"]; ok {
		if err := json.Unmarshal(v, &claims.Roles); err != nil {
			var single string
			if json.Unmarshal(v, &single) == nil && single != "" {
				claims.Roles = []string{single}
			}
		}
	}
	switch {
	case claims.Sub == "":
		return TokenClaims{}, errors.New("subject required")
	case claims.Exp == 0 || now.Unix() >= claims.Exp:
		return TokenClaims{}, errors.New("token expired")
	case claims.Nbf != 0 && now.Unix() < claims.Nbf:
		return TokenClaims{}, errors.New("token not active")
	case issuer != "" && claims.Iss != issuer:
		return TokenClaims{}, errors.New("issuer mismatch")
	case audience != "" && !audContains(claims.Aud, audience):
		return TokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
