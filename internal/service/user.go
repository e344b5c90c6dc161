package service

import (
	"errors"

	"teamchat/internal/models"
	"teamchat/internal/token"

	"gorm.io/gorm"
)

// UserService handles registration and the login/logout credential flows,
// delegating all token work to the token manager.
type UserService struct {
	db     *gorm.DB
	tokens *token.Manager
}

func NewUserService(db *gorm.DB, tokens *token.Manager) *UserService {
	return &UserService{db: db, tokens: tokens}
}

// RegisterResult is the public view of a freshly created user.
type RegisterResult struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Register creates the account. Uniqueness of username and email is enforced
// by the store's constraints, so concurrent signups for the same name settle
// the same way sequential ones do.
func (s *UserService) Register(username, email, password, firstName, lastName string) (*RegisterResult, error) {
	hash, err := token.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    firstName,
		LastName:     lastName,
		TokenVersion: 1,
	}
	if err := s.db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var count int64
			if e := s.db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; e != nil {
				return nil, e
			}
			if count > 0 {
				return nil, ErrUsernameTaken
			}
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username, DisplayName: user.DisplayName()}, nil
}

// LoginResult carries the issued pair and the authenticated user.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	User         models.User
}

func (s *UserService) Login(username, password string, opts token.IssueOptions) (*LoginResult, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !token.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	access, _, err := s.tokens.Issue(&user, models.TokenAccess, opts)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.tokens.Issue(&user, models.TokenRefresh, opts)
	if err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: access, RefreshToken: refresh, User: user}, nil
}

// Refresh rotates a refresh token into a fresh pair; the consumed token is
// blacklisted so a replayed rotation fails.
func (s *UserService) Refresh(refreshToken string, opts token.IssueOptions) (*token.Pair, error) {
	return s.tokens.Rotate(refreshToken, opts)
}

// Logout revokes the presented access token.
func (s *UserService) Logout(accessToken string) error {
	return s.tokens.Blacklist(accessToken, "logout")
}

// LogoutAll invalidates every token the user holds, on every device.
func (s *UserService) LogoutAll(userID uint) error {
	return s.tokens.RevokeAll(userID, "logout all")
}

// ChangePassword updates the credential and force-expires every outstanding
// token via the version counter.
func (s *UserService) ChangePassword(userID uint, oldPassword, newPassword string) error {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !token.VerifyPassword(user.PasswordHash, oldPassword) {
		return ErrInvalidCredentials
	}
	hash, err := token.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.db.Model(&user).Update("password_hash", hash).Error; err != nil {
		return err
	}
	return s.tokens.RevokeAll(userID, "password change")
}
