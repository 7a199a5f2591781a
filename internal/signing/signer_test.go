package signing

import (
	"testing"

	"github.com/scoreguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseFields() Fields {
	return Fields{
		SessionID: "0b8a4a4e-7f7e-4f55-9a43-1d0c3b1b2e11",
		Seed:      123456789,
		IssuedAt:  1760000000000,
		ExpiresAt: 1760000240000,
		Nonce:     "4f1d2c3b4a5968778695a4b3c2d1e0f9",
	}
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, domain.ErrMissingSigningKey)
}

func TestMessageOrder(t *testing.T) {
	msg := Message(baseFields(), "pilot_one")
	assert.Equal(t,
		"0b8a4a4e-7f7e-4f55-9a43-1d0c3b1b2e11|pilot_one|123456789|1760000000000|1760000240000|4f1d2c3b4a5968778695a4b3c2d1e0f9",
		msg)
}

func TestSignIsDeterministic(t *testing.T) {
	s, err := New("top-secret")
	require.NoError(t, err)

	a := s.Sign(baseFields(), "pilot_one")
	b := s.Sign(baseFields(), "pilot_one")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.True(t, s.Verify(baseFields(), "pilot_one", a))
}

func TestSingleFieldMutationChangesSignature(t *testing.T) {
	s, err := New("top-secret")
	require.NoError(t, err)
	original := s.Sign(baseFields(), "pilot_one")

	mutations := map[string]func(f *Fields, handle *string){
		"session id": func(f *Fields, _ *string) { f.SessionID += "x" },
		"handle":     func(_ *Fields, h *string) { *h = "pilot_two" },
		"seed":       func(f *Fields, _ *string) { f.Seed++ },
		"issued at":  func(f *Fields, _ *string) { f.IssuedAt++ },
		"expires at": func(f *Fields, _ *string) { f.ExpiresAt++ },
		"nonce":      func(f *Fields, _ *string) { f.Nonce = "0" + f.Nonce[1:] },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := baseFields()
			handle := "pilot_one"
			mutate(&f, &handle)
			sig := s.Sign(f, handle)
			assert.NotEqual(t, original, sig)
			assert.False(t, s.Verify(f, handle, original))
		})
	}
}

func TestDifferentSecretsDisagree(t *testing.T) {
	a, err := New("secret-a")
	require.NoError(t, err)
	b, err := New("secret-b")
	require.NoError(t, err)

	sig := a.Sign(baseFields(), "pilot_one")
	assert.False(t, b.Verify(baseFields(), "pilot_one", sig))
}
