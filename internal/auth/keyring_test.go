package auth_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mcpgate/internal/auth"
)

func TestKeyringVerify(t *testing.T) {
	hash, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)

	ring, err := auth.NewKeyring([]auth.KeyEntry{{ID: "ops", Role: "admin", Hash: hash}})
	require.NoError(t, err)

	entry, ok := ring.Verify("ops.s3cret")
	require.True(t, ok)
	assert.Equal(t, "ops", entry.UserID, "user_id defaults to the key id")
	assert.Equal(t, "admin", entry.Role)

	for _, bad := range []string{"ops.wrong", "nobody.s3cret", "s3cret", "ops.", ""} {
		_, ok := ring.Verify(bad)
		assert.False(t, ok, "key %q should not verify", bad)
	}
}

func TestKeyringRejectsBadEntries(t *testing.T) {
	_, err := auth.NewKeyring([]auth.KeyEntry{{ID: "a", Hash: "x"}, {ID: "a", Hash: "y"}})
	require.Error(t, err)

	_, err = auth.NewKeyring([]auth.KeyEntry{{ID: "a.b", Hash: "x"}})
	require.Error(t, err)

	_, err = auth.NewKeyring([]auth.KeyEntry{{ID: "a"}})
	require.Error(t, err)
}

func TestLoadKeyring(t *testing.T) {
	hash, err := auth.HashAPIKey("k")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.yaml")
	data := "keys:\n  - id: ci\n    user_id: ci-runner\n    role: user\n    hash: \"" + hash + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	ring, err := auth.LoadKeyring(path)
	require.NoError(t, err)
	assert.Equal(t, 1, ring.Len())

	entry, ok := ring.Verify("ci.k")
	require.True(t, ok)
	assert.Equal(t, "ci-runner", entry.UserID)
}
