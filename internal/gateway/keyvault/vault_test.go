package keyvault

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-router/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

const rawKey = "sk-proj-abcdefghijklmnopqrstuvwxyz0123"

type providerMap map[string]models.Provider

func (m providerMap) GetProvider(_ context.Context, id string) (*models.Provider, error) {
	p, ok := m[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

type scriptedProber struct {
	err  error
	seen []string
}

func (p *scriptedProber) Probe(_ context.Context, _ providers.Target, apiKey string) providers.ProbeResult {
	p.seen = append(p.seen, apiKey)
	return providers.ProbeResult{Latency: 20 * time.Millisecond, Err: p.err}
}

func newTestVault(t *testing.T, prober Prober, limit int) (*Vault, *MemoryStore) {
	t.Helper()
	key, err := DeriveKey("test master secret")
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)

	store := NewMemoryStore()
	provs := providerMap{
		"openai": {ID: "openai", AuthScheme: "openai", IsActive: true, AllowsCallerKeys: true},
		"closed": {ID: "closed", AuthScheme: "openai", IsActive: true},
	}
	return New(c, store, provs, prober, NewMemoryLimiter(limit, time.Minute)), store
}

func TestCipher_RoundTripAndBinding(t *testing.T) {
	key, err := DeriveKey("secret")
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)

	blob, err := c.Seal([]byte(rawKey), []byte("a"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(blob, []byte(rawKey)))

	plain, err := c.Open(blob, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, rawKey, string(plain))

	_, err = c.Open(blob, []byte("b"))
	assert.ErrorIs(t, err, ErrDecrypt)

	otherKey, err := DeriveKey("rotated")
	require.NoError(t, err)
	other, err := NewCipher(otherKey)
	require.NoError(t, err)
	_, err = other.Open(blob, []byte("a"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewCipher_RejectsShortKey(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "sk-p****0123", Mask(rawKey))
	assert.Equal(t, "****", Mask("tiny-key"))

	masked := Mask("ключ-abcdefgh-секрет")
	assert.True(t, utf8.ValidString(masked))
	assert.Equal(t, "ключ****крет", masked)
	assert.Equal(t, "****", Mask("ключключ"))
}

func TestStore_EncryptsAndRotates(t *testing.T) {
	v, store := newTestVault(t, &scriptedProber{}, 5)
	ctx := context.Background()

	first, err := v.Store(ctx, "caller", "openai", " "+rawKey+"\n")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationPending, first.ValidationStatus)
	assert.False(t, bytes.Contains(first.EncryptedKey, []byte(rawKey)))

	raw, err := v.RetrieveDecrypted(ctx, "caller", "openai")
	require.NoError(t, err)
	assert.Equal(t, rawKey, raw)

	_, err = v.Validate(ctx, "caller", "openai")
	require.NoError(t, err)

	rotated, err := v.Store(ctx, "caller", "openai", "sk-proj-ROTATED-0000000000009999")
	require.NoError(t, err)
	assert.Equal(t, first.ID, rotated.ID)
	assert.Equal(t, models.ValidationPending, rotated.ValidationStatus)

	list, err := store.ListCredentials(ctx, "caller")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_ProviderMustAcceptCallerKeys(t *testing.T) {
	v, _ := newTestVault(t, &scriptedProber{}, 5)
	_, err := v.Store(context.Background(), "caller", "closed", rawKey)
	assert.Error(t, err)

	_, err = v.Store(context.Background(), "caller", "missing", rawKey)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestValidate_RejectedKeyIsKeptAndFlagged(t *testing.T) {
	prober := &scriptedProber{err: providers.ErrCredentialRejected}
	v, _ := newTestVault(t, prober, 5)
	ctx := context.Background()

	_, err := v.Store(ctx, "caller", "openai", rawKey)
	require.NoError(t, err)

	res, err := v.Validate(ctx, "caller", "openai")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationInvalid, res.Status)
	assert.NotEmpty(t, res.Message)
	assert.ErrorIs(t, res.Err(), models.ErrCredentialInvalid)
	assert.Equal(t, []string{rawKey}, prober.seen)

	list, err := v.List(ctx, "caller")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ValidationInvalid, list[0].ValidationStatus)
	assert.NotNil(t, list[0].LastValidatedAt)

	usable, err := v.UsableCredentials(ctx, "caller")
	require.NoError(t, err)
	assert.Empty(t, usable)
}

func TestValidate_UnreachableKeepsStanding(t *testing.T) {
	prober := &scriptedProber{}
	v, _ := newTestVault(t, prober, 5)
	ctx := context.Background()

	_, err := v.Store(ctx, "caller", "openai", rawKey)
	require.NoError(t, err)
	res, err := v.Validate(ctx, "caller", "openai")
	require.NoError(t, err)
	require.Equal(t, models.ValidationValid, res.Status)

	prober.err = providers.ErrProviderUnavailable
	res, err = v.Validate(ctx, "caller", "openai")
	require.NoError(t, err)
	assert.Equal(t, models.ValidationValid, res.Status)
	assert.Contains(t, res.Message, "inconclusive")
}

func TestValidate_RateLimited(t *testing.T) {
	prober := &scriptedProber{}
	v, _ := newTestVault(t, prober, 2)
	ctx := context.Background()

	_, err := v.Store(ctx, "caller", "openai", rawKey)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := v.Validate(ctx, "caller", "openai")
		require.NoError(t, err)
		assert.False(t, res.RateLimited)
	}

	res, err := v.Validate(ctx, "caller", "openai")
	require.NoError(t, err)
	assert.True(t, res.RateLimited)
	assert.ErrorIs(t, res.Err(), models.ErrRateLimited)
	assert.Len(t, prober.seen, 2)
}

func TestDisableAndDelete(t *testing.T) {
	v, _ := newTestVault(t, &scriptedProber{}, 5)
	ctx := context.Background()

	_, err := v.Store(ctx, "caller", "openai", rawKey)
	require.NoError(t, err)
	_, err = v.Validate(ctx, "caller", "openai")
	require.NoError(t, err)

	usable, err := v.UsableCredentials(ctx, "caller")
	require.NoError(t, err)
	assert.Contains(t, usable, "openai")

	require.NoError(t, v.Disable(ctx, "caller", "openai"))
	usable, err = v.UsableCredentials(ctx, "caller")
	require.NoError(t, err)
	assert.Empty(t, usable)

	require.NoError(t, v.Delete(ctx, "caller", "openai"))
	_, err = v.RetrieveDecrypted(ctx, "caller", "openai")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRawKeyNeverLogged(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	v, _ := newTestVault(t, &scriptedProber{err: providers.ErrCredentialRejected}, 5)
	ctx := context.Background()
	_, err := v.Store(ctx, "caller", "openai", rawKey)
	require.NoError(t, err)
	_, err = v.Validate(ctx, "caller", "openai")
	require.NoError(t, err)

	require.NotEmpty(t, hook.AllEntries())
	for _, e := range hook.AllEntries() {
		line, err := e.String()
		require.NoError(t, err)
		assert.False(t, strings.Contains(line, rawKey), "raw key leaked: %s", line)
	}
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	now := time.Now()
	l := NewMemoryLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow(context.Background(), "c")
	assert.True(t, ok)
	ok, _ = l.Allow(context.Background(), "c")
	assert.False(t, ok)
	ok, _ = l.Allow(context.Background(), "other")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(context.Background(), "c")
	assert.True(t, ok)
}
