package service

import (
	"testing"
	"time"

	"teamchat/internal/models"
	"teamchat/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserService(t *testing.T) *UserService {
	t.Helper()
	gdb := newTestDB(t)
	tokens := token.NewManager(gdb, "test-secret", 15*time.Minute, 30*24*time.Hour)
	return NewUserService(gdb, tokens)
}

func TestRegister(t *testing.T) {
	svc := newUserService(t)

	res, err := svc.Register("alice", "alice@example.com", "password123", "Alice", "Smith")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Username)
	assert.Equal(t, "Alice Smith", res.DisplayName)

	// Duplicates are refused by the store's unique constraints, so the
	// verdict is the same whether the signups race or not.
	_, err = svc.Register("alice", "other@example.com", "password123", "", "")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = svc.Register("alice2", "alice@example.com", "password123", "", "")
	assert.ErrorIs(t, err, ErrEmailTaken)

	var count int64
	require.NoError(t, svc.db.Model(&models.User{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "losing inserts must leave no row behind")
}

func TestLogin(t *testing.T) {
	svc := newUserService(t)
	_, err := svc.Register("alice", "alice@example.com", "password123", "", "")
	require.NoError(t, err)

	res, err := svc.Login("alice", "password123", token.IssueOptions{DeviceInfo: "cli"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "alice", res.User.Username)

	_, err = svc.Login("alice", "wrong", token.IssueOptions{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login("nobody", "password123", token.IssueOptions{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh_RotationIsSingleUse(t *testing.T) {
	svc := newUserService(t)
	_, err := svc.Register("alice", "alice@example.com", "password123", "", "")
	require.NoError(t, err)
	res, err := svc.Login("alice", "password123", token.IssueOptions{})
	require.NoError(t, err)

	pair, err := svc.Refresh(res.RefreshToken, token.IssueOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, pair.RefreshToken)

	_, err = svc.Refresh(res.RefreshToken, token.IssueOptions{})
	assert.ErrorIs(t, err, token.ErrRevoked)
}

func TestLogout_RevokesAccessToken(t *testing.T) {
	svc := newUserService(t)
	_, err := svc.Register("alice", "alice@example.com", "password123", "", "")
	require.NoError(t, err)
	res, err := svc.Login("alice", "password123", token.IssueOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(res.AccessToken))
	_, err = svc.tokens.Verify(res.AccessToken)
	assert.ErrorIs(t, err, token.ErrRevoked)

	// The refresh token is untouched by a single-session logout.
	_, err = svc.tokens.Verify(res.RefreshToken)
	assert.NoError(t, err)
}

func TestLogoutAll_RevokesEverySession(t *testing.T) {
	svc := newUserService(t)
	_, err := svc.Register("alice", "alice@example.com", "password123", "", "")
	require.NoError(t, err)
	s1, err := svc.Login("alice", "password123", token.IssueOptions{DeviceInfo: "laptop"})
	require.NoError(t, err)
	s2, err := svc.Login("alice", "password123", token.IssueOptions{DeviceInfo: "phone"})
	require.NoError(t, err)

	var user models.User
	require.NoError(t, svc.db.Where("username = ?", "alice").First(&user).Error)
	require.NoError(t, svc.LogoutAll(user.ID))

	for _, raw := range []string{s1.AccessToken, s1.RefreshToken, s2.AccessToken, s2.RefreshToken} {
		_, err := svc.tokens.Verify(raw)
		assert.ErrorIs(t, err, token.ErrVersionMismatch)
	}
}

func TestChangePassword(t *testing.T) {
	svc := newUserService(t)
	_, err := svc.Register("alice", "alice@example.com", "password123", "", "")
	require.NoError(t, err)
	res, err := svc.Login("alice", "password123", token.IssueOptions{})
	require.NoError(t, err)

	var user models.User
	require.NoError(t, svc.db.Where("username = ?", "alice").First(&user).Error)

	assert.ErrorIs(t, svc.ChangePassword(user.ID, "wrong", "newpassword"), ErrInvalidCredentials)
	require.NoError(t, svc.ChangePassword(user.ID, "password123", "newpassword"))

	// Old sessions die with the version bump; the new credential works.
	_, err = svc.tokens.Verify(res.AccessToken)
	assert.ErrorIs(t, err, token.ErrVersionMismatch)
	_, err = svc.Login("alice", "password123", token.IssueOptions{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login("alice", "newpassword", token.IssueOptions{})
	assert.NoError(t, err)
}
