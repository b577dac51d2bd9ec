package signature

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"ci-replicator/internal/common/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/master"}`)
	sha1Sig := "sha1=" + hex.EncodeToString(Sign(sha1.New, []byte("secret"), body))

	tests := []struct {
		name    string
		headers map[string]string
		wantErr string
	}{
		{name: "sha256", headers: map[string]string{HeaderSHA256: SignSHA256("secret", body)}},
		{name: "sha1 fallback", headers: map[string]string{HeaderSHA1: sha1Sig}},
		{name: "wrong secret", headers: map[string]string{HeaderSHA256: SignSHA256("other", body)}, wantErr: "signature mismatch"},
		{name: "missing", headers: map[string]string{}, wantErr: "missing signature header"},
		{name: "bad prefix", headers: map[string]string{HeaderSHA256: "sha1=abc"}, wantErr: "expected prefix"},
		{name: "not hex", headers: map[string]string{HeaderSHA256: "sha256=zz"}, wantErr: "not hex"},
		{
			name:    "sha256 wins over valid sha1",
			headers: map[string]string{HeaderSHA256: SignSHA256("other", body), HeaderSHA1: sha1Sig},
			wantErr: "signature mismatch",
		},
	}

	v := NewVerifier("secret", logging.NewNopLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/webhook", nil)
			for k, val := range tt.headers {
				r.Header.Set(k, val)
			}
			err := v.Verify(r, body)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVerifyDisabled(t *testing.T) {
	v := NewVerifier("", logging.NewNopLogger())
	assert.False(t, v.Enabled())
	assert.NoError(t, v.Verify(httptest.NewRequest("POST", "/webhook", nil), []byte("x")))
}

func TestPreserveRequestBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader("payload"))

	body, err := PreserveRequestBody(r)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	again, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(again))
}

func TestVerify_ErrorTypes(t *testing.T) {
	v := NewVerifier("secret", logging.NewNopLogger())

	err := v.Verify(httptest.NewRequest("POST", "/webhook", nil), []byte("x"))
	assert.ErrorIs(t, err, ErrUnsigned)

	r := httptest.NewRequest("POST", "/webhook", nil)
	r.Header.Set(HeaderSHA256, SignSHA256("other", []byte("x")))
	var headerErr *HeaderError
	require.ErrorAs(t, v.Verify(r, []byte("x")), &headerErr)
	assert.Equal(t, HeaderSHA256, headerErr.Header)
}
