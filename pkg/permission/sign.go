package permission

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/anse-dev/anse/pkg/store"
)

// sign computes the HMAC-SHA256 signature over a token's identifying
// fields, excluding the signature itself and the mutable Revoked flag
// (revocation is checked separately against the store, not re-signed).
func (t *TokenIssuer) sign(rec store.TokenRecord) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(rec.TokenID))
	mac.Write([]byte{0})
	mac.Write([]byte(rec.AgentID))
	mac.Write([]byte{0})
	mac.Write([]byte(rec.Scope))
	mac.Write([]byte{0})
	mac.Write([]byte(rec.IssuedAt.Format("2006-01-02T15:04:05.999999999Z07:00")))
	mac.Write([]byte{0})
	mac.Write([]byte(rec.ExpiresAt.Format("2006-01-02T15:04:05.999999999Z07:00")))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
