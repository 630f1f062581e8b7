package stripeclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// VerifySignature checks an HMAC-SHA256 signature over the raw webhook body
// against the business's stored secret (§6 wire contract). This is plain
// crypto/hmac, not a third-party dependency: no library in the retrieval
// pack wraps provider webhook signature verification, and HMAC verification
// is a few lines of constant-time comparison the standard library already
// does correctly (see DESIGN.md).
func VerifySignature(secret, rawBody, signatureHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(rawBody))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHex))
}
