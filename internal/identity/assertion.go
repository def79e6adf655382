package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Claim keys every assertion must carry.
const (
	ClaimAddr        = "addr"
	ClaimAccountName = "account.name"
	ClaimAccountID   = "account.id"
)

var requiredClaims = []string{ClaimAddr, ClaimAccountName, ClaimAccountID}

var (
	ErrLocalState        = errors.New("local account state unavailable")
	ErrMalformedClaims   = errors.New("malformed claims")
	ErrKeyResolution     = errors.New("account key resolution failed")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// SignFunc signs a 32-byte digest with the local account's signing key.
type SignFunc func(digest []byte) ([]byte, error)

// Assertion binds a transport address to a game account. The signature covers
// the canonical encoding of Claims; unknown claims are carried and signed but
// otherwise ignored, so the set can grow without breaking old verifiers.
type Assertion struct {
	Claims    map[string]string `json:"claims"`
	Signature []byte            `json:"signature"`
	PublicKey []byte            `json:"publicKey"`
}

// Verified is the result of a successful Verify.
type Verified struct {
	AccountID   uuid.UUID
	AccountName string
	Addr        string
}

// Issue builds and signs an assertion from live local account state.
func Issue(addr, accountName string, accountID uuid.UUID, sign SignFunc, publicKey []byte) (Assertion, error) {
	if addr == "" {
		return Assertion{}, fmt.Errorf("%w: no transport address", ErrLocalState)
	}
	if accountName == "" {
		return Assertion{}, fmt.Errorf("%w: no account name", ErrLocalState)
	}
	if accountID == uuid.Nil {
		return Assertion{}, fmt.Errorf("%w: no account id", ErrLocalState)
	}
	if sign == nil {
		return Assertion{}, fmt.Errorf("%w: no signing capability", ErrLocalState)
	}
	claims := map[string]string{
		ClaimAddr:        addr,
		ClaimAccountName: accountName,
		ClaimAccountID:   accountID.String(),
	}
	sig, err := sign(ClaimsDigest(claims))
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: %v", ErrLocalState, err)
	}
	pub := make([]byte, len(publicKey))
	copy(pub, publicKey)
	return Assertion{Claims: claims, Signature: sig, PublicKey: pub}, nil
}

// Verify checks an assertion against the account-key authority. Every failure
// is a rejection: callers must leave the session unauthenticated and move on.
func Verify(ctx context.Context, a Assertion, resolver Resolver) (Verified, error) {
	for _, k := range requiredClaims {
		if a.Claims[k] == "" {
			return Verified{}, fmt.Errorf("%w: missing %q", ErrMalformedClaims, k)
		}
	}
	accountID, err := uuid.Parse(a.Claims[ClaimAccountID])
	if err != nil {
		return Verified{}, fmt.Errorf("%w: bad account id: %v", ErrMalformedClaims, err)
	}
	if resolver == nil {
		return Verified{}, fmt.Errorf("%w: no resolver", ErrKeyResolution)
	}
	key, err := resolver.ResolveAccountKey(ctx, accountID)
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %v", ErrKeyResolution, err)
	}
	if !key.ExpiresAt.IsZero() && time.Now().After(key.ExpiresAt) {
		return Verified{}, fmt.Errorf("%w: account key expired", ErrKeyResolution)
	}
	if len(key.Public) != ed25519.PublicKeySize {
		return Verified{}, fmt.Errorf("%w: bad key size %d", ErrKeyResolution, len(key.Public))
	}
	if !ed25519.Verify(key.Public, ClaimsDigest(a.Claims), a.Signature) {
		return Verified{}, ErrSignatureMismatch
	}
	return Verified{
		AccountID:   accountID,
		AccountName: a.Claims[ClaimAccountName],
		Addr:        a.Claims[ClaimAddr],
	}, nil
}

// CanonicalClaims encodes claims deterministically: keys sorted, every string
// length-prefixed. Signing and verification must agree on these bytes exactly.
func CanonicalClaims(claims map[string]string) []byte {
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('d')
	for _, k := range keys {
		buf.WriteString(strconv.Itoa(len(k)))
		buf.WriteByte(':')
		buf.WriteString(k)
		v := claims[k]
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteByte(':')
		buf.WriteString(v)
	}
	buf.WriteByte('e')
	return buf.Bytes()
}

// ClaimsDigest is the SHA3-256 digest of the canonical claims encoding.
func ClaimsDigest(claims map[string]string) []byte {
	sum := sha3.Sum256(CanonicalClaims(claims))
	return sum[:]
}
