package catalog

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/vipshop-api/internal/types"
	"github.com/ksred/vipshop-api/pkg/response"
	"gorm.io/gorm"
)

// Service exposes the goods catalog and owns all stock mutation.
type Service struct {
	db *Database
}

// NewService creates a new catalog service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Reserve atomically takes one unit of stock for an order.
func (s *Service) Reserve(goodsName string) (ReserveResult, error) {
	return s.db.Reserve(goodsName)
}

// Release compensates a reservation whose order will not complete.
func (s *Service) Release(goodsName string) error {
	return s.db.Release(goodsName)
}

// GetGood returns the good, or nil when it does not exist.
func (s *Service) GetGood(goodsName string) (*types.Good, error) {
	return s.db.GetGood(goodsName)
}

func (s *Service) ListGoods() ([]types.Good, error) {
	return s.db.ListGoods()
}

// GinHandlers contains HTTP handlers for catalog endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListGoodsHandler handles GET requests for the goods list. The response is
// a bare JSON array, matching what the buyer-side client expects.
func (h *GinHandlers) ListGoodsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		goods, err := h.service.ListGoods()
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		c.JSON(http.StatusOK, goods)
	}
}
