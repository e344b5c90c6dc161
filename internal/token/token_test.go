package token

import (
	"fmt"
	"testing"
	"time"

	"teamchat/internal/db"
	"teamchat/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func newTestManager(t *testing.T) (*Manager, *gorm.DB, *models.User) {
	t.Helper()
	gdb := newTestDB(t)
	m := NewManager(gdb, "test-secret", 15*time.Minute, 30*24*time.Hour)
	user := &models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x", TokenVersion: 1}
	require.NoError(t, gdb.Create(user).Error)
	return m, gdb, user
}

func TestIssueAndVerify(t *testing.T) {
	for _, kind := range []string{models.TokenAccess, models.TokenRefresh} {
		t.Run(kind, func(t *testing.T) {
			m, gdb, user := newTestManager(t)
			raw, row, err := m.Issue(user, kind, IssueOptions{DeviceInfo: "cli", IP: "127.0.0.1"})
			require.NoError(t, err)
			require.NotEmpty(t, raw)
			assert.Equal(t, kind, row.Kind)
			assert.Equal(t, HashToken(raw), row.TokenHash)
			assert.NotEqual(t, raw, row.TokenHash)

			// Only the hash reaches the store.
			var count int64
			require.NoError(t, gdb.Model(&models.AuthToken{}).Where("token_hash = ?", raw).Count(&count).Error)
			assert.Zero(t, count)

			got, err := m.Verify(raw)
			require.NoError(t, err)
			assert.Equal(t, user.ID, got.UserID)
			assert.NotNil(t, got.LastUsedAt)
		})
	}
}

func TestVerify_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Verify("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify_Expired(t *testing.T) {
	m, _, user := newTestManager(t)
	raw, _, err := m.Issue(user, models.TokenAccess, IssueOptions{})
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_RevokedAfterBlacklist(t *testing.T) {
	m, _, user := newTestManager(t)
	raw, _, err := m.Issue(user, models.TokenAccess, IssueOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Blacklist(raw, "logout"))
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerify_VersionMismatchAfterRevokeAll(t *testing.T) {
	m, _, user := newTestManager(t)
	raw, _, err := m.Issue(user, models.TokenRefresh, IssueOptions{})
	require.NoError(t, err)

	require.NoError(t, m.RevokeAll(user.ID, "password change"))
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestRotate_SingleUse(t *testing.T) {
	m, _, user := newTestManager(t)
	raw, _, err := m.Issue(user, models.TokenRefresh, IssueOptions{})
	require.NoError(t, err)

	pair, err := m.Rotate(raw, IssueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, raw, pair.RefreshToken)

	// The fresh pair verifies; the consumed token is gone for good.
	_, err = m.Verify(pair.AccessToken)
	assert.NoError(t, err)
	_, err = m.Verify(pair.RefreshToken)
	assert.NoError(t, err)
	_, err = m.Rotate(raw, IssueOptions{})
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRotate_RejectsAccessToken(t *testing.T) {
	m, _, user := newTestManager(t)
	raw, _, err := m.Issue(user, models.TokenAccess, IssueOptions{})
	require.NoError(t, err)

	_, err = m.Rotate(raw, IssueOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeAll_UnknownUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.ErrorIs(t, m.RevokeAll(9999, "test"), ErrNotFound)
}

func TestBlacklist_UnknownToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.ErrorIs(t, m.Blacklist("never-issued", "test"), ErrNotFound)
}

func TestHashToken_Deterministic(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("password123")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "password123"))
	assert.False(t, VerifyPassword(hash, "wrong"))
}
