package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// priceScale matches the NUMERIC(12,2) price columns.
const priceScale = 2

// CatalogRepository stores ticket types and discount codes.
type CatalogRepository interface {
	GetTicketType(ctx context.Context, id int64) (*models.TicketType, error)
	CreateTicketType(ctx context.Context, tt *models.TicketType) error
	DeleteTicketType(ctx context.Context, id int64) (retired bool, err error)
	CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error
}

// CatalogService manages what can be reserved.
type CatalogService struct {
	repo   CatalogRepository
	logger *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(repo CatalogRepository) *CatalogService {
	return &CatalogService{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// CreateTicketTypeRequest represents a request to add a ticket type to an event
type CreateTicketTypeRequest struct {
	EventID       int64           `json:"event_id" binding:"required"`
	Name          string          `json:"name" binding:"required"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	Capacity      int             `json:"capacity"`
	MinPerOrder   int             `json:"min_per_order"`
	MaxPerOrder   int             `json:"max_per_order"`
	SaleStartDate *time.Time      `json:"sale_start_date,omitempty"`
	SaleEndDate   *time.Time      `json:"sale_end_date,omitempty"`
	Inactive      bool            `json:"inactive,omitempty"`
}

// Availability is a point-in-time view of a ticket type's counters.
type Availability struct {
	TicketTypeID int64 `json:"ticket_type_id"`
	Capacity     int   `json:"capacity"`
	Sold         int   `json:"sold"`
	Reserved     int   `json:"reserved"`
	Available    int   `json:"available"`
	OnSale       bool  `json:"on_sale"`
}

// CreateTicketType validates and stores a ticket type. Per-order limits default to 1 and 10.
func (s *CatalogService) CreateTicketType(ctx context.Context, req CreateTicketTypeRequest) (created *models.TicketType, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateTicketType")
	defer func() { util.EndSpan(span, err) }()

	if req.MinPerOrder == 0 {
		req.MinPerOrder = 1
	}
	if req.MaxPerOrder == 0 {
		req.MaxPerOrder = 10
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	switch {
	case strings.TrimSpace(req.Name) == "":
		return nil, fmt.Errorf("%w: name is required", models.ErrInvalidTicketType)
	case req.Capacity < 0:
		return nil, fmt.Errorf("%w: capacity must not be negative", models.ErrInvalidTicketType)
	case req.Price.IsNegative():
		return nil, fmt.Errorf("%w: price must not be negative", models.ErrInvalidTicketType)
	case req.Price.Exponent() < -priceScale && !req.Price.Equal(req.Price.Truncate(priceScale)):
		return nil, fmt.Errorf("%w: price %s has more than %d decimal places", models.ErrInvalidTicketType, req.Price, priceScale)
	case req.MinPerOrder < 1 || req.MaxPerOrder < req.MinPerOrder:
		return nil, fmt.Errorf("%w: per-order limits %d-%d", models.ErrInvalidTicketType, req.MinPerOrder, req.MaxPerOrder)
	case len(req.Currency) != 3:
		return nil, fmt.Errorf("%w: currency %q", models.ErrInvalidTicketType, req.Currency)
	case req.SaleStartDate != nil && req.SaleEndDate != nil && !req.SaleStartDate.Before(*req.SaleEndDate):
		return nil, fmt.Errorf("%w: sale window ends before it starts", models.ErrInvalidTicketType)
	}

	tt := &models.TicketType{
		EventID:       req.EventID,
		Name:          strings.TrimSpace(req.Name),
		Price:         req.Price,
		Currency:      strings.ToUpper(req.Currency),
		Capacity:      req.Capacity,
		MinPerOrder:   req.MinPerOrder,
		MaxPerOrder:   req.MaxPerOrder,
		SaleStartDate: req.SaleStartDate,
		SaleEndDate:   req.SaleEndDate,
		IsActive:      !req.Inactive,
	}
	if err := s.repo.CreateTicketType(ctx, tt); err != nil {
		return nil, err
	}

	s.logger.Info("Ticket type created",
		zap.Int64("ticket_type_id", tt.ID),
		zap.Int64("event_id", tt.EventID),
		zap.Int("capacity", tt.Capacity))
	return tt, nil
}

// DeleteTicketType removes a ticket type nobody has bought or holds. retired is true when
// the row had to be kept, deactivated, because cancelled orders still reference it.
func (s *CatalogService) DeleteTicketType(ctx context.Context, id int64) (retired bool, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.DeleteTicketType")
	defer func() { util.EndSpan(span, err) }()

	retired, err = s.repo.DeleteTicketType(ctx, id)
	if err != nil {
		return false, err
	}

	s.logger.Info("Ticket type removed", zap.Int64("ticket_type_id", id), zap.Bool("retired", retired))
	return retired, nil
}

// Availability reports the committed counters of a ticket type.
func (s *CatalogService) Availability(ctx context.Context, id int64) (availability *Availability, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.Availability")
	defer func() { util.EndSpan(span, err) }()

	tt, err := s.repo.GetTicketType(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Availability{
		TicketTypeID: tt.ID,
		Capacity:     tt.Capacity,
		Sold:         tt.SoldCount,
		Reserved:     tt.ReservedCount,
		Available:    tt.Available(),
		OnSale:       tt.IsActive && tt.OnSale(time.Now()),
	}, nil
}

// CreateDiscountCodeRequest represents a request to create a discount code
type CreateDiscountCodeRequest struct {
	Code       string     `json:"code" binding:"required"`
	UsageLimit *int       `json:"usage_limit,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// CreateDiscountCode stores an active discount code. A nil UsageLimit means unlimited use.
func (s *CatalogService) CreateDiscountCode(ctx context.Context, req CreateDiscountCodeRequest) (created *models.DiscountCode, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateDiscountCode")
	defer func() { util.EndSpan(span, err) }()

	code := strings.TrimSpace(req.Code)
	switch {
	case code == "":
		return nil, fmt.Errorf("%w: code is required", models.ErrDiscountCodeInvalid)
	case req.UsageLimit != nil && *req.UsageLimit < 0:
		return nil, fmt.Errorf("%w: usage limit must not be negative", models.ErrDiscountCodeInvalid)
	case req.ValidFrom != nil && req.ValidUntil != nil && !req.ValidFrom.Before(*req.ValidUntil):
		return nil, fmt.Errorf("%w: validity window ends before it starts", models.ErrDiscountCodeInvalid)
	}

	dc := &models.DiscountCode{
		Code:       code,
		UsageLimit: req.UsageLimit,
		IsActive:   true,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	}
	if err := s.repo.CreateDiscountCode(ctx, dc); err != nil {
		return nil, err
	}

	s.logger.Info("Discount code created", zap.Int64("discount_code_id", dc.ID), zap.String("code", dc.Code))
	return dc, nil
}
