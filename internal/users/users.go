package users

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/vipshop-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RegisterResult is the outcome of an idempotent registration attempt.
type RegisterResult int

const (
	Registered RegisterResult = iota
	AlreadyRegistered
)

// Service handles user registration and entitlement reads.
type Service struct {
	db *Database
}

// NewService creates a new users service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Register creates the user if it does not exist yet. Calling it again for
// the same uid is a no-op.
func (s *Service) Register(uid string) (RegisterResult, error) {
	existing, err := s.db.GetUser(uid)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return AlreadyRegistered, nil
	}
	if err := s.db.CreateUser(uid); err != nil {
		return 0, err
	}
	return Registered, nil
}

// VipExpiry returns the user's entitlement expiry, or nil when the user is
// unknown.
func (s *Service) VipExpiry(uid string) (*time.Time, error) {
	user, err := s.db.GetUser(uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	return &user.VipExpiryDate, nil
}

// GetDB exposes the database layer so sibling services can share user reads
// and entitlement writes against the same store.
func (s *Service) GetDB() *Database {
	return s.db
}

// GinHandlers contains HTTP handlers for user endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RegisterHandler handles GET /regist?uid= requests. Registration is
// idempotent: an existing user answers HasRegisted, never an error.
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.Query("uid")
		if uid == "" {
			response.BadRequest(c, "uid is required")
			return
		}

		result, err := h.service.Register(uid)
		if err != nil {
			log.Error().Err(err).Str("uid", uid).Msg("failed to register user")
			response.InternalError(c, err.Error())
			return
		}

		status := "SUCCESS"
		if result == AlreadyRegistered {
			status = "HasRegisted"
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

// VipExpiryHandler handles GET /vip?uid= requests.
func (h *GinHandlers) VipExpiryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.Query("uid")
		if uid == "" {
			response.BadRequest(c, "uid is required")
			return
		}

		expiry, err := h.service.VipExpiry(uid)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"expiryDate": expiry})
	}
}
