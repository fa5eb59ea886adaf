package identity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-sponsor/core/testutil"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-our-secret"))
	require.NoError(t, err)
	return token
}

func TestLoginWithoutProviderIsAnError(t *testing.T) {
	_, err := Login(context.Background(), nil, testutil.GetLogger())
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestLoginConnectsProvider(t *testing.T) {
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, jwt.MapClaims{
		"sub":   "google-oauth2|1234",
		"iss":   "https://api.openlogin.com",
		"email": "owner@example.com",
		"name":  "Owner",
		"exp":   expires.Unix(),
	})

	p, err := NewStaticProvider(testutil.OwnerKeyHex, token)
	require.NoError(t, err)
	require.False(t, p.Connected())

	id, err := Login(context.Background(), p, testutil.GetLogger())
	require.NoError(t, err)

	assert.True(t, p.Connected())
	assert.Equal(t, testutil.OwnerAddress(), id.Owner)
	assert.Equal(t, token, id.IDToken)
	require.NotNil(t, id.Claims)
	assert.Equal(t, "google-oauth2|1234", id.Claims.Subject)
	assert.Equal(t, "https://api.openlogin.com", id.Claims.Issuer)
	assert.Equal(t, "owner@example.com", id.Claims.Email)
	assert.Equal(t, "Owner", id.Claims.Name)
	assert.True(t, expires.Equal(id.Claims.ExpiresAt))
	assert.Contains(t, id.String(), "google-oauth2|1234")

	key, err := id.Keys().ExportKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.OwnerKey().D, key.D)
}

func TestLoginToleratesOpaqueToken(t *testing.T) {
	p, err := NewStaticProvider(testutil.OwnerKeyHex, "opaque-session-token")
	require.NoError(t, err)

	id, err := Login(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Nil(t, id.Claims)
	assert.Equal(t, testutil.OwnerAddress().Hex(), id.String())
}

type failingProvider struct {
	*StaticProvider
	connectErr error
}

func (p *failingProvider) Connect(ctx context.Context) error {
	return p.connectErr
}

func TestLoginSurfacesConnectFailure(t *testing.T) {
	static, err := NewStaticProvider(testutil.OwnerKeyHex, "")
	require.NoError(t, err)
	p := &failingProvider{StaticProvider: static, connectErr: errors.New("user closed the login modal")}

	_, err = Login(context.Background(), p, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user closed the login modal")
}

func TestStaticProviderRequiresConnect(t *testing.T) {
	p, err := NewStaticProvider(testutil.OwnerKeyHex, "")
	require.NoError(t, err)

	_, err = p.ExportKey(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.IDToken(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, p.Connect(context.Background()))
	var key *ecdsa.PrivateKey
	key, err = p.ExportKey(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestNewStaticProviderRejectsBadKey(t *testing.T) {
	_, err := NewStaticProvider("0x1234", "")
	assert.Error(t, err)
}
