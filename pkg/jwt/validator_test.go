package jwt

import (
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret string, claims jwtv5.MapClaims) string {
	t.Helper()
	s, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidateResolvesPrincipal(t *testing.T) {
	v := New(map[string]string{"default": "s"}, time.Minute)

	tok := sign(t, "s", jwtv5.MapClaims{
		"sub":   "alice",
		"scope": "ingest admin",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	p, err := v.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.OwnerID)
	assert.Equal(t, []string{"ingest", "admin"}, p.Capabilities)
	assert.True(t, p.Can("admin"))
	assert.True(t, p.Owns("bob"))
}

func TestValidateRejects(t *testing.T) {
	v := New(map[string]string{"default": "s"}, time.Minute)

	_, err := v.Validate("")
	assert.Error(t, err)

	_, err = v.Validate(sign(t, "wrong", jwtv5.MapClaims{"sub": "alice"}))
	assert.Error(t, err)

	_, err = v.Validate(sign(t, "s", jwtv5.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}))
	assert.Error(t, err)

	_, err = v.Validate(sign(t, "s", jwtv5.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}))
	assert.Error(t, err, "subject is required")
}

func TestValidateOpenDeployment(t *testing.T) {
	v := New(nil, time.Minute)
	p, err := v.Validate("")
	require.NoError(t, err)
	assert.Equal(t, "anon", p.OwnerID)
	assert.True(t, p.Can("anything"))
}

func TestValidateKeyRotationByKid(t *testing.T) {
	v := New(map[string]string{"k1": "old", "k2": "new"}, time.Minute)

	claims := jwtv5.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims)
	tok.Header["kid"] = "k2"
	s, err := tok.SignedString([]byte("new"))
	require.NoError(t, err)

	p, err := v.Validate(s)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.OwnerID)

	tok.Header["kid"] = "missing"
	s, err = tok.SignedString([]byte("new"))
	require.NoError(t, err)
	_, err = v.Validate(s)
	assert.Error(t, err)
}
