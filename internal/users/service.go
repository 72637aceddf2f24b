package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPrimaryProvider is the provider whose subjects become bare owner ids.
const DefaultPrimaryProvider = "google"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
// PrimaryProvider, google by default, also owns user ids without a provider prefix and
// maps to bare owner ids; owner ids of every other provider keep their "provider:"
// prefix so equal subjects never collide.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	PrimaryProvider string
}

// Service manages canonical owner ids and provider-specific identities.
type Service struct {
	db              *gorm.DB
	now             func() time.Time
	logger          *zap.Logger
	primaryProvider string
	cache           sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	primaryProvider := strings.ToLower(normalize(cfg.PrimaryProvider))
	if primaryProvider == "" {
		primaryProvider = DefaultPrimaryProvider
	}
	return &Service{
		db:              cfg.Database,
		now:             clock,
		logger:          logger,
		primaryProvider: primaryProvider,
	}, nil
}

// ResolveCanonicalUserID returns the canonical owner id for the provided session claims.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	profile, err := s.ResolveProfile(claims)
	if err != nil {
		return "", err
	}
	return profile.UserID, nil
}

// ResolveProfile returns the profile for the session claims, creating the identity
// mapping when the provider+subject pair has not been seen before.
func (s *Service) ResolveProfile(claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims, s.primaryProvider)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if profile, ok := cached.(Profile); ok && !profileChanged(profile, claims) {
			return profile, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      canonicalUserID(provider, subject, s.primaryProvider),
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return Profile{}, fmt.Errorf("users: create identity: %w", err)
		}
	case err != nil:
		return Profile{}, fmt.Errorf("users: load identity: %w", err)
	default:
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("failed to refresh identity",
				zap.String("provider", provider),
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	profile := identity.profile()
	s.cache.Store(cacheKey, profile)
	return profile, nil
}

func profileChanged(profile Profile, claims auth.SessionClaims) bool {
	email := normalize(claims.UserEmail)
	display := normalize(claims.UserDisplayName)
	return (email != "" && email != profile.Email) || (display != "" && display != profile.DisplayName)
}

// canonicalUserID is assigned once, when an identity is first seen. Subjects cannot
// contain ':' so a bare id never equals a prefixed one.
func canonicalUserID(provider, subject, primaryProvider string) string {
	if provider == primaryProvider {
		return subject
	}
	return provider + ":" + subject
}

func deriveProviderSubject(claims auth.SessionClaims, primaryProvider string) (string, string) {
	provider := primaryProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found {
			if normalize(prefix) != "" && normalize(rest) != "" {
				provider = strings.ToLower(normalize(prefix))
				subject = normalize(rest)
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
