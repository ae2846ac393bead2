// auth.go implements API-key request signing for the futures venue.
//
// Every private REST call carries four headers:
//
//	KC-API-KEY         — the API key
//	KC-API-SIGN        — base64(HMAC-SHA256(timestamp+method+path+body, secret))
//	KC-API-TIMESTAMP   — unix milliseconds, must be within the venue's skew window
//	KC-API-PASSPHRASE  — HMAC-signed passphrase (key version 2)
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Auth signs private REST requests with the account's API credentials.
type Auth struct {
	key        string
	secret     string
	passphrase string
}

// NewAuth creates a signer from static credentials.
func NewAuth(key, secret, passphrase string) *Auth {
	return &Auth{key: key, secret: secret, passphrase: passphrase}
}

// Headers returns the signed header set for one request. path must include
// the query string when present; body is the raw JSON or empty.
func (a *Auth) Headers(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"KC-API-KEY":         a.key,
		"KC-API-SIGN":        a.sign(ts + method + path + body),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  a.sign(a.passphrase),
		"KC-API-KEY-VERSION": "2",
	}
}

func (a *Auth) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
