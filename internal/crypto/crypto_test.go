package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCreds() map[string]Credentials {
	return map[string]Credentials{
		"default": {Key: "api-key", Secret: "api-secret", Passphrase: "hunter2"},
		"backup":  {Key: "other-key", Secret: "other-secret"},
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	blob, err := EncryptCredentials(sampleCreds(), "correct horse")
	require.NoError(t, err)

	got, err := DecryptCredentials(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, sampleCreds(), got)
}

func TestDecryptWrongPassword(t *testing.T) {
	t.Parallel()

	blob, err := EncryptCredentials(sampleCreds(), "correct horse")
	require.NoError(t, err)

	_, err = DecryptCredentials(blob, "battery staple")
	assert.Error(t, err)
}

func TestDecryptCorruptedBlob(t *testing.T) {
	t.Parallel()

	blob, err := EncryptCredentials(sampleCreds(), "pw")
	require.NoError(t, err)

	blob[len(blob)/2] ^= 0xff
	_, err = DecryptCredentials(blob, "pw")
	assert.Error(t, err)
}

func TestEncryptionIsSalted(t *testing.T) {
	t.Parallel()

	a, err := EncryptCredentials(sampleCreds(), "pw")
	require.NoError(t, err)
	b, err := EncryptCredentials(sampleCreds(), "pw")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	c := Credentials{Key: "abcdef123456", Secret: "topsecret"}
	red := c.Redacted()
	assert.NotContains(t, red, "topsecret")
	assert.NotEqual(t, c.Key, red)
}

func TestLoadCredentialsRawPair(t *testing.T) {
	t.Parallel()

	creds, err := LoadCredentials(CredsConfig{Key: "k", Secret: "s"})
	require.NoError(t, err)
	require.Contains(t, creds, "default")
	assert.Equal(t, "k", creds["default"].Key)
}

func TestLoadCredentialsEncryptedFile(t *testing.T) {
	t.Parallel()

	blob, err := EncryptCredentials(sampleCreds(), "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "creds.enc")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	creds, err := LoadCredentials(CredsConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, sampleCreds(), creds)
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	signer := NewRequestSigner("shared-secret")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	h := signer.HeadersAt("POST", "/api/trades/execute", `{"token":"abc"}`, now.Unix())

	err := signer.Verify("POST", "/api/trades/execute", `{"token":"abc"}`,
		h["X-Guard-Timestamp"], h["X-Guard-Signature"], now)
	assert.NoError(t, err)
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()

	signer := NewRequestSigner("shared-secret")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := signer.HeadersAt("POST", "/api/trades/execute", `{"token":"abc"}`, now.Unix())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"method", "GET", "/api/trades/execute", `{"token":"abc"}`},
		{"path", "POST", "/api/trades/validate", `{"token":"abc"}`},
		{"body", "POST", "/api/trades/execute", `{"token":"xyz"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := signer.Verify(tt.method, tt.path, tt.body,
				h["X-Guard-Timestamp"], h["X-Guard-Signature"], now)
			assert.Error(t, err)
		})
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	signer := NewRequestSigner("shared-secret")
	signedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := signer.HeadersAt("GET", "/api/health", "", signedAt.Unix())

	err := signer.Verify("GET", "/api/health", "",
		h["X-Guard-Timestamp"], h["X-Guard-Signature"],
		signedAt.Add(MaxSignatureSkew+time.Second))
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := NewRequestSigner("secret-a").HeadersAt("GET", "/api/health", "", now.Unix())

	err := NewRequestSigner("secret-b").Verify("GET", "/api/health", "",
		h["X-Guard-Timestamp"], h["X-Guard-Signature"], now)
	assert.Error(t, err)
}
