// credential.go validates the object credential token presented at
// session admission (spec.md §4.7, "A CONNECTING session is admitted by
// validating the object's credential token"). Grounded on
// SPEC_FULL.md's domain-stack wiring of golang-jwt/jwt/v4 for exactly this
// role -- no other component in the corpus needs token validation.
package conn

import (
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/sirikata/spaced/cmn/cos"
)

// credentialClaims is the minimal claim set a connecting object presents:
// "sub" names the object id in its canonical hex form.
type credentialClaims struct {
	jwt.RegisteredClaims
}

// validateCredential parses and verifies token with secret, and confirms
// its subject matches want -- an object cannot present a credential
// authorizing a different OID.
func validateCredential(token string, secret []byte, want cos.OID) error {
	claims := &credentialClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, cos.NewErrInvalidCredential("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return cos.NewErrInvalidCredential(err.Error())
	}
	if !parsed.Valid {
		return cos.NewErrInvalidCredential("token rejected")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return cos.NewErrInvalidCredential("missing subject")
	}
	oid, err := cos.ParseOID(sub)
	if err != nil {
		return cos.NewErrInvalidCredential("subject is not a valid object id")
	}
	if oid != want {
		return cos.NewErrInvalidCredential("subject does not match connecting object")
	}
	return nil
}

// IssueCredential mints an HMAC-signed credential token for oid, valid for
// ttl. Exported for cmd/spacedctl, the administrative path that issues
// tokens for operators to hand to connecting clients; Manager itself only
// ever validates, never issues.
func IssueCredential(oid cos.OID, secret []byte, ttl time.Duration) (string, error) {
	claims := &credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   oid.Hex(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
