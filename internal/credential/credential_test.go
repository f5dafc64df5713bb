package credential

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/store"
)

func fastHasher() *Hasher {
	return &Hasher{Rounds: 1000, SaltSize: DefaultSaltSize}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := fastHasher()
	stored, err := h.Hash("s3cret!")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stored, "$pbkdf2-sha256$1000$"))
	assert.Len(t, strings.Split(stored, "$"), 5)
	assert.NotContains(t, stored, "+")
	assert.NotContains(t, stored, "=")

	assert.True(t, h.Verify("s3cret!", stored))
	assert.False(t, h.Verify("s3cret", stored))
	assert.False(t, h.Verify("", stored))
}

func TestHashIsSalted(t *testing.T) {
	h := fastHasher()
	a, err := h.Hash("same")
	require.NoError(t, err)
	b, err := h.Hash("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyPBKDF2WithDotAlphabet(t *testing.T) {
	salt := []byte{0xfb, 0xef, 0xbe, 0x01, 0x02, 0x03}
	sum := pbkdf2.Key([]byte("pw"), salt, 10, 32, sha256.New)
	enc := func(b []byte) string {
		return strings.ReplaceAll(base64.RawStdEncoding.EncodeToString(b), "+", ".")
	}
	stored := fmt.Sprintf("$pbkdf2-sha256$10$%s$%s", enc(salt), enc(sum))
	require.Contains(t, stored, ".")

	assert.True(t, NewHasher().Verify("pw", stored))
}

func TestVerifyScrypt(t *testing.T) {
	salt := []byte("0123456789abcdef")
	sum, err := scrypt.Key([]byte("pw"), salt, 1<<4, 8, 1, 32)
	require.NoError(t, err)
	stored := fmt.Sprintf("$scrypt$ln=4,r=8,p=1$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(sum))

	h := NewHasher()
	assert.True(t, h.Verify("pw", stored))
	assert.False(t, h.Verify("nope", stored))
	assert.True(t, h.NeedsRehash(stored))
}

func TestVerifyBcrypt(t *testing.T) {
	raw, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	h := NewHasher()
	assert.True(t, h.Verify("pw", string(raw)))
	assert.False(t, h.Verify("nope", string(raw)))
	assert.True(t, h.NeedsRehash(string(raw)))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	h := NewHasher()
	for _, stored := range []string{
		"",
		"plaintext",
		"$pbkdf2-sha256$abc$salt$sum",
		"$pbkdf2-sha256$1000$salt",
		"$pbkdf2-sha256$1000$!!$!!",
		"$scrypt$ln=99,r=8,p=1$c2FsdA$c3Vt",
		"$scrypt$garbage$c2FsdA$c3Vt",
		"$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$c3Vt",
	} {
		assert.False(t, h.Verify("pw", stored), stored)
	}
}

func TestNeedsRehash(t *testing.T) {
	current := NewHasher()
	weak, err := fastHasher().Hash("pw")
	require.NoError(t, err)
	strong, err := current.Hash("pw")
	require.NoError(t, err)

	assert.True(t, current.NeedsRehash(weak))
	assert.False(t, current.NeedsRehash(strong))
	assert.True(t, current.NeedsRehash("garbage"))
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	require.NoError(t, err)
	b, err := RandomToken(16)
	require.NoError(t, err)
	assert.Len(t, a, 22)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}

func newResetFixture(t *testing.T) (*store.Store, int64) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	u := &store.User{Email: "a@example.com", Username: "a", PasswordHash: "x", IsActive: true}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return s, u.ID
}

func TestResetCreateAndConsume(t *testing.T) {
	s, userID := newResetFixture(t)
	ctx := context.Background()
	resets := NewResets()

	token, err := resets.Create(ctx, s.Queries, userID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := resets.Consume(ctx, s.Queries, token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = resets.Consume(ctx, s.Queries, token)
	require.Error(t, err)
	assert.Equal(t, "invalid_token", apperr.CodeOf(err))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestResetExpires(t *testing.T) {
	s, userID := newResetFixture(t)
	ctx := context.Background()
	start := time.Now()
	clock := start
	resets := NewResets().WithClock(func() time.Time { return clock })

	token, err := resets.Create(ctx, s.Queries, userID)
	require.NoError(t, err)

	clock = start.Add(ResetTTL + time.Minute)
	_, err = resets.Consume(ctx, s.Queries, token)
	require.Error(t, err)
	assert.Equal(t, "invalid_token", apperr.CodeOf(err))
}

func TestResetUnknownToken(t *testing.T) {
	s, _ := newResetFixture(t)
	resets := NewResets()

	for _, tok := range []string{"", "does-not-exist"} {
		_, err := resets.Consume(context.Background(), s.Queries, tok)
		require.Error(t, err)
		assert.Equal(t, "invalid_token", apperr.CodeOf(err))
	}
}
