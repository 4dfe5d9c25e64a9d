package vault

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := New(map[string]string{"v1": randomKey(t)})
	require.NoError(t, err)

	secret := []byte("sk-provider-secret")
	sealed, keyRef, err := c.Seal(secret)
	require.NoError(t, err)
	assert.Equal(t, "v1", keyRef)
	assert.NotContains(t, string(sealed), "sk-provider-secret")

	opened, err := c.Open(keyRef, sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestOpenAfterRotation(t *testing.T) {
	v1 := randomKey(t)
	old, err := New(map[string]string{"v1": v1})
	require.NoError(t, err)

	sealed, keyRef, err := old.Seal([]byte("legacy-secret"))
	require.NoError(t, err)

	rotated, err := New(map[string]string{"v1": v1, "v2": randomKey(t)})
	require.NoError(t, err)
	assert.Equal(t, "v2", rotated.ActiveRef())

	opened, err := rotated.Open(keyRef, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy-secret"), opened)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	c, err := New(map[string]string{"v1": randomKey(t)})
	require.NoError(t, err)

	sealed, keyRef, err := c.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Open(keyRef, sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenUnknownKeyRef(t *testing.T) {
	c, err := New(map[string]string{"v1": randomKey(t)})
	require.NoError(t, err)

	sealed, _, err := c.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = c.Open("v9", sealed)
	assert.ErrorIs(t, err, ErrUnknownKeyRef)
}

func TestNewRejectsBadKeys(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoKeys)

	_, err = New(map[string]string{"v1": "not-base64!!"})
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = New(map[string]string{"v1": short})
	assert.Error(t, err)
}
