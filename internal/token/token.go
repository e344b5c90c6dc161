package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"teamchat/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Verification failures. The connection layer surfaces all of these as a
// generic auth failure; the distinction matters for logging and tests.
var (
	ErrNotFound        = errors.New("token not found")
	ErrExpired         = errors.New("token expired")
	ErrRevoked         = errors.New("token revoked")
	ErrVersionMismatch = errors.New("token version mismatch")
)

// Manager issues, verifies, rotates and revokes access/refresh tokens.
// Only SHA-256 hashes of issued secrets are persisted, so a credential-store
// compromise does not leak usable tokens.
type Manager struct {
	db         *gorm.DB
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewManager(db *gorm.DB, secret string, accessTTL, refreshTTL time.Duration) *Manager {
	return &Manager{db: db, secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

type Claims struct {
	UserID  uint `json:"uid"`
	Version int  `json:"ver"`
	jwt.RegisteredClaims
}

// IssueOptions carries connection metadata recorded with the token row.
type IssueOptions struct {
	DeviceInfo string
	IP         string
}

// HashToken returns the hex SHA-256 digest under which a secret is stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (m *Manager) ttl(kind string) time.Duration {
	if kind == models.TokenAccess {
		return m.accessTTL
	}
	return m.refreshTTL
}

// Issue generates a new secret of the given kind for the user and stores its
// hash. The raw secret is returned exactly once; it cannot be recovered
// afterwards. Access tokens are signed JWTs with a random jti, refresh
// tokens are opaque random strings.
func (m *Manager) Issue(user *models.User, kind string, opts IssueOptions) (string, *models.AuthToken, error) {
	return m.issue(m.db, user, kind, opts)
}

func (m *Manager) issue(tx *gorm.DB, user *models.User, kind string, opts IssueOptions) (string, *models.AuthToken, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl(kind))

	var raw string
	var err error
	switch kind {
	case models.TokenAccess:
		jti, err2 := randomSecret()
		if err2 != nil {
			return "", nil, err2
		}
		claims := Claims{
			UserID:  user.ID,
			Version: user.TokenVersion,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   strconv.FormatUint(uint64(user.ID), 10),
				ID:        jti,
				ExpiresAt: jwt.NewNumericDate(expiresAt),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
		raw, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	case models.TokenRefresh:
		raw, err = randomSecret()
	default:
		return "", nil, errors.New("unknown token kind: " + kind)
	}
	if err != nil {
		return "", nil, err
	}

	row := models.AuthToken{
		TokenHash:  HashToken(raw),
		UserID:     user.ID,
		Kind:       kind,
		Version:    user.TokenVersion,
		ExpiresAt:  expiresAt,
		DeviceInfo: opts.DeviceInfo,
		IP:         opts.IP,
	}
	if err := tx.Create(&row).Error; err != nil {
		return "", nil, err
	}
	return raw, &row, nil
}

// Verify resolves a presented secret to its stored row. It fails with
// ErrRevoked when an unexpired blacklist entry matches, ErrExpired past the
// row's expiry and ErrVersionMismatch when the owning user's version counter
// has moved on. On success the row's last_used_at is bumped; that write is
// best effort and races between concurrent verifies are benign.
func (m *Manager) Verify(raw string) (*models.AuthToken, error) {
	t, err := m.verify(m.db, raw)
	if err != nil {
		return nil, err
	}
	now := m.now()
	m.db.Model(&models.AuthToken{}).Where("token_hash = ?", t.TokenHash).UpdateColumn("last_used_at", now)
	t.LastUsedAt = &now
	return t, nil
}

func (m *Manager) verify(tx *gorm.DB, raw string) (*models.AuthToken, error) {
	hash := HashToken(raw)
	now := m.now()

	var blacklisted int64
	if err := tx.Model(&models.TokenBlacklist{}).
		Where("token_hash = ? AND expires_at > ?", hash, now).
		Count(&blacklisted).Error; err != nil {
		return nil, err
	}
	if blacklisted > 0 {
		return nil, ErrRevoked
	}

	var t models.AuthToken
	if err := tx.Where("token_hash = ?", hash).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if now.After(t.ExpiresAt) {
		return nil, ErrExpired
	}

	var user models.User
	if err := tx.First(&user, t.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if user.TokenVersion != t.Version {
		return nil, ErrVersionMismatch
	}
	return &t, nil
}

// Pair is a freshly issued access/refresh token couple.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Rotate verifies a refresh token, blacklists its hash and issues a fresh
// pair, all in one transaction. Rotation is single-use: presenting the same
// refresh token again fails with ErrRevoked.
func (m *Manager) Rotate(refreshRaw string, opts IssueOptions) (*Pair, error) {
	var pair Pair
	err := m.db.Transaction(func(tx *gorm.DB) error {
		t, err := m.verify(tx, refreshRaw)
		if err != nil {
			return err
		}
		if t.Kind != models.TokenRefresh {
			return ErrNotFound
		}
		bl := models.TokenBlacklist{
			TokenHash: t.TokenHash,
			UserID:    t.UserID,
			Reason:    "rotated",
			ExpiresAt: t.ExpiresAt,
		}
		if err := tx.Create(&bl).Error; err != nil {
			return err
		}
		var user models.User
		if err := tx.First(&user, t.UserID).Error; err != nil {
			return err
		}
		access, _, err := m.issue(tx, &user, models.TokenAccess, opts)
		if err != nil {
			return err
		}
		refresh, _, err := m.issue(tx, &user, models.TokenRefresh, opts)
		if err != nil {
			return err
		}
		pair = Pair{AccessToken: access, RefreshToken: refresh}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// RevokeAll bumps the user's version counter, invalidating every outstanding
// token in O(1) without enumerating them.
func (m *Manager) RevokeAll(userID uint, reason string) error {
	res := m.db.Model(&models.User{}).Where("id = ?", userID).
		UpdateColumn("token_version", gorm.Expr("token_version + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	log.Info().Uint("user_id", userID).Str("reason", reason).Msg("revoked all tokens")
	return nil
}

// Blacklist revokes a single presented secret (logout), independent of the
// version counter.
func (m *Manager) Blacklist(raw string, reason string) error {
	hash := HashToken(raw)
	var t models.AuthToken
	if err := m.db.Where("token_hash = ?", hash).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	bl := models.TokenBlacklist{
		TokenHash: hash,
		UserID:    t.UserID,
		Reason:    reason,
		ExpiresAt: t.ExpiresAt,
	}
	return m.db.Create(&bl).Error
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
