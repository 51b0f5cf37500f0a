package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Algorithm selects the HMAC hash for a gateway scheme. It is per-adapter
// configuration, never inferred from the payload.
type Algorithm string

const (
	HMACSHA256 Algorithm = "hmac-sha256"
	HMACSHA512 Algorithm = "hmac-sha512"
)

// Signature verification errors.
var (
	ErrMissingSecret    = errors.New("signature secret not configured")
	ErrInvalidSignature = errors.New("signature mismatch")
	ErrMalformedHeader  = errors.New("malformed signature header")
	ErrTimestampSkew    = errors.New("signature timestamp outside tolerance")
)

// Codec signs and verifies canonicalized payloads for one gateway scheme.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	secret []byte
	alg    Algorithm
}

// NewCodec creates a codec for the given secret and algorithm.
// An empty secret is a configuration error; callers treat it as fatal at
// startup rather than failing per request.
func NewCodec(secret string, alg Algorithm) (*Codec, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	switch alg {
	case HMACSHA256, HMACSHA512:
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}
	return &Codec{secret: []byte(secret), alg: alg}, nil
}

// Algorithm returns the codec's configured algorithm.
func (c *Codec) Algorithm() Algorithm {
	return c.alg
}

// CanonicalizeAll produces the sorted-all canonical form: every key except
// the excluded signature fields, sorted lexicographically, joined as
// key=value pairs with "&". Empty values are kept; gateways that sign a
// field sign its emptiness too.
func CanonicalizeAll(params map[string]string, exclude ...string) string {
	excluded := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		excluded[k] = true
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if excluded[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

// CanonicalizeOrdered produces the ordered-fields canonical form: the
// scheme-defined field list in its literal order, joined as key=value pairs
// with "&". Fields absent from params contribute an empty value; the field
// order is part of the scheme and never sorted.
func CanonicalizeOrdered(params map[string]string, order []string) string {
	var sb strings.Builder
	for i, k := range order {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

// Sign computes the hex-encoded HMAC digest of the canonical string.
func (c *Codec) Sign(canonical string) string {
	mac := hmac.New(c.hashFunc(), c.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a candidate hex signature against the canonical string.
// Comparison is constant time; it never short-circuits on the first
// mismatching byte.
func (c *Codec) Verify(candidate, canonical string) bool {
	want, err := hex.DecodeString(c.Sign(canonical))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(candidate))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// SignPayload computes the raw-body scheme signature: HMAC over
// "t=<timestamp>.<raw payload bytes>". Verification must always be fed the
// unparsed payload; re-serialization breaks the digest.
func (c *Codec) SignPayload(timestamp int64, payload []byte) string {
	mac := hmac.New(c.hashFunc(), c.secret)
	mac.Write([]byte("t=" + strconv.FormatInt(timestamp, 10) + "."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload verifies a raw-body scheme signature header of the form
// "t=<unix>,v1=<hex>[,v1=<hex>...]". Multiple v1 entries are accepted to
// allow secret rotation on the gateway side; any valid entry passes.
func (c *Codec) VerifyPayload(header string, payload []byte, tolerance time.Duration, now time.Time) error {
	timestamp, candidates, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		ts := time.Unix(timestamp, 0)
		if ts.Before(now.Add(-tolerance)) || ts.After(now.Add(tolerance)) {
			return ErrTimestampSkew
		}
	}

	want, err := hex.DecodeString(c.SignPayload(timestamp, payload))
	if err != nil {
		return err
	}
	for _, candidate := range candidates {
		got, err := hex.DecodeString(strings.ToLower(candidate))
		if err != nil {
			continue
		}
		if hmac.Equal(want, got) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// FormatPayloadHeader renders a raw-body scheme signature header. Used by
// tests and the sandbox gateway simulator.
func FormatPayloadHeader(timestamp int64, signature string) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + signature
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp  int64 = -1
		candidates []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, ErrMalformedHeader
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedHeader
			}
			timestamp = ts
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if timestamp < 0 || len(candidates) == 0 {
		return 0, nil, ErrMalformedHeader
	}
	return timestamp, candidates, nil
}

func (c *Codec) hashFunc() func() hash.Hash {
	if c.alg == HMACSHA512 {
		return sha512.New
	}
	return sha256.New
}
