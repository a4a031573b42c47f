package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAdminAuthService_Verify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	svc := NewAdminAuthService(string(hash))
	assert.True(t, svc.Enabled())
	assert.NoError(t, svc.Verify("s3cret"))
	assert.Error(t, svc.Verify("wrong"))
	assert.Error(t, svc.Verify(""))
}

func TestAdminAuthService_Disabled(t *testing.T) {
	svc := NewAdminAuthService("")
	assert.False(t, svc.Enabled())
	assert.ErrorIs(t, svc.Verify("anything"), ErrAdminDisabled)
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("token")
	require.NoError(t, err)
	assert.NoError(t, NewAdminAuthService(hash).Verify("token"))
}
