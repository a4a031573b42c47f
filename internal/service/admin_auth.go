package service

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrAdminDisabled = errors.New("admin api disabled: no token hash configured")

// AdminAuthService checks admin API bearer tokens against a bcrypt hash.
type AdminAuthService struct {
	tokenHash []byte
}

func NewAdminAuthService(tokenHash string) *AdminAuthService {
	return &AdminAuthService{tokenHash: []byte(tokenHash)}
}

func (s *AdminAuthService) Enabled() bool {
	return len(s.tokenHash) > 0
}

func (s *AdminAuthService) Verify(token string) error {
	if !s.Enabled() {
		return ErrAdminDisabled
	}
	if token == "" {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token))
}

// HashToken produces the value expected in ADMIN_TOKEN_HASH.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), 12)
	return string(b), err
}
