package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"strings"

	"ci-replicator/internal/common/logging"
)

// Signature headers set by GitHub
const (
	HeaderSHA256 = "X-Hub-Signature-256"
	HeaderSHA1   = "X-Hub-Signature"
)

// MaxBodySize caps webhook payloads; GitHub caps them at 25MB
const MaxBodySize = 25 << 20

type scheme struct {
	header string
	prefix string
	hash   func() hash.Hash
}

var schemes = []scheme{
	{header: HeaderSHA256, prefix: "sha256=", hash: sha256.New},
	{header: HeaderSHA1, prefix: "sha1=", hash: sha1.New},
}

// Verifier handles webhook signature verification
type Verifier struct {
	secret []byte
	logger logging.Logger
}

// NewVerifier creates a new signature verifier; an empty secret accepts every request
func NewVerifier(secret string, logger logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Verifier{secret: []byte(secret), logger: logger}
}

// Enabled reports whether requests are verified
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify checks the strongest signature header present on r against body
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	if !v.Enabled() {
		return nil
	}

	for _, s := range schemes {
		value := r.Header.Get(s.header)
		if value == "" {
			continue
		}
		if err := v.verify(s, value, body); err != nil {
			v.logger.Warn("Webhook signature rejected",
				logging.String("header", s.header),
				logging.String("delivery_id", r.Header.Get("X-GitHub-Delivery")),
				logging.Err(err),
			)
			return err
		}
		return nil
	}
	return ErrUnsigned
}

func (v *Verifier) verify(s scheme, value string, body []byte) error {
	sig, ok := strings.CutPrefix(value, s.prefix)
	if !ok {
		return rejected(s.header, "expected prefix %q", s.prefix)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return rejected(s.header, "signature is not hex encoded")
	}
	if !hmac.Equal(got, Sign(s.hash, v.secret, body)) {
		return rejected(s.header, "signature mismatch")
	}
	return nil
}

// Sign computes the HMAC of body with secret
func Sign(h func() hash.Hash, secret, body []byte) []byte {
	mac := hmac.New(h, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignSHA256 returns the X-Hub-Signature-256 header value for body
func SignSHA256(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(sha256.New, []byte(secret), body))
}

// PreserveRequestBody reads the request body, up to MaxBodySize, and replaces it with a
// fresh reader
func PreserveRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
