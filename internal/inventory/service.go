// Package inventory is the product read path: cache-aside reads over the
// transactional store and write-through product maintenance.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/stock-orders/internal/orders"
	"github.com/ariefcatur/stock-orders/internal/redisx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Repository is the product side of the transactional store (orders.ProductRepo).
type Repository interface {
	GetProduct(ctx context.Context, id string) (*orders.Product, error)
	ListProducts(ctx context.Context, f orders.ProductFilter) ([]orders.Product, error)
	CreateProduct(ctx context.Context, p *orders.Product) error
	UpdateProduct(ctx context.Context, p *orders.Product) error
	DeleteProduct(ctx context.Context, id string) error
}

// Cache is the cache-aside store (redisx.Cache).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

type Config struct {
	CacheTTL time.Duration
	LockTTL  time.Duration
}

type Service struct {
	repo   Repository
	cache  Cache
	locker orders.Locker
	cfg    Config
	log    *zap.Logger
	tracer trace.Tracer
}

func NewService(repo Repository, cache Cache, locker orders.Locker, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = redisx.TTLProductCache
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = redisx.TTLStockLock
	}
	return &Service{repo: repo, cache: cache, locker: locker, cfg: cfg, log: log, tracer: otel.Tracer("inventory")}
}

// ProductInput is the body of a product creation.
type ProductInput struct {
	SKU   string          `json:"sku"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

// ProductUpdate changes only the fields that are set.
type ProductUpdate struct {
	SKU      *string          `json:"sku,omitempty"`
	Name     *string          `json:"name,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Stock    *int             `json:"stock,omitempty"`
	IsActive *bool            `json:"is_active,omitempty"`
}

// GetProduct serves from cache when it can. A cache outage degrades to
// store reads; missing products are never cached.
func (s *Service) GetProduct(ctx context.Context, id string) (*orders.Product, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.get_product")
	defer span.End()
	span.SetAttributes(attribute.String("product_id", id))

	key := redisx.ProductKey(id)
	b, hit, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.log.Warn("product cache read failed", zap.String("product_id", id), zap.Error(err))
	case hit:
		var p orders.Product
		if err := json.Unmarshal(b, &p); err == nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return &p, nil
		}
		s.log.Warn("dropping undecodable product cache entry", zap.String("product_id", id))
		_ = s.cache.Delete(ctx, key)
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(p); err == nil {
		if _, err := s.cache.SetNX(ctx, key, b, s.cfg.CacheTTL); err != nil {
			s.log.Warn("product cache fill failed", zap.String("product_id", id), zap.Error(err))
		}
	}
	return p, nil
}

func (s *Service) ListProducts(ctx context.Context, f orders.ProductFilter) ([]orders.Product, error) {
	return s.repo.ListProducts(ctx, f)
}

func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*orders.Product, error) {
	in.SKU = strings.TrimSpace(in.SKU)
	in.Name = strings.TrimSpace(in.Name)
	if in.SKU == "" || in.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", orders.ErrInvalidInput)
	}
	if err := validateAmounts(in.Price, in.Stock); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &orders.Product{
		ID:        uuid.NewString(),
		SKU:       in.SKU,
		Name:      in.Name,
		Price:     in.Price,
		Stock:     in.Stock,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	s.log.Info("product created", zap.String("product_id", p.ID), zap.String("sku", p.SKU))
	return p, nil
}

// UpdateProduct writes through to the store under the product lock and then
// replaces the cached snapshot.
func (s *Service) UpdateProduct(ctx context.Context, id string, up ProductUpdate) (*orders.Product, error) {
	release, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if up.SKU != nil {
		p.SKU = strings.TrimSpace(*up.SKU)
	}
	if up.Name != nil {
		p.Name = strings.TrimSpace(*up.Name)
	}
	if up.Price != nil {
		p.Price = *up.Price
	}
	if up.Stock != nil {
		p.Stock = *up.Stock
	}
	if up.IsActive != nil {
		p.IsActive = *up.IsActive
	}
	if p.SKU == "" || p.Name == "" {
		return nil, fmt.Errorf("%w: sku and name must not be empty", orders.ErrInvalidInput)
	}
	if err := validateAmounts(p.Price, p.Stock); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()

	if err := s.repo.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}

	key := redisx.ProductKey(id)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.Warn("product cache invalidation failed", zap.String("product_id", id), zap.Error(err))
	}
	if b, err := json.Marshal(p); err == nil {
		if err := s.cache.Set(ctx, key, b, s.cfg.CacheTTL); err != nil {
			s.log.Warn("product cache refill failed", zap.String("product_id", id), zap.Error(err))
		}
	}
	s.log.Info("product updated", zap.String("product_id", id))
	return p, nil
}

// DeleteProduct deactivates the product and drops its cache entry.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	release, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, redisx.ProductKey(id)); err != nil {
		s.log.Warn("product cache invalidation failed", zap.String("product_id", id), zap.Error(err))
	}
	s.log.Info("product deleted", zap.String("product_id", id))
	return nil
}

// ClearCache drops every cached product snapshot.
func (s *Service) ClearCache(ctx context.Context) (int, error) {
	n, err := s.cache.DeletePattern(ctx, redisx.KeyProductPattern)
	if err != nil {
		return n, fmt.Errorf("clear product cache: %w", err)
	}
	s.log.Info("product cache cleared", zap.Int("keys", n))
	return n, nil
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	key := redisx.StockLockKey(id)
	token, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if errors.Is(err, redisx.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: product %s", orders.ErrLockConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire product lock: %w", err)
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("release product lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func validateAmounts(price decimal.Decimal, stock int) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", orders.ErrInvalidInput)
	}
	if stock < 0 {
		return fmt.Errorf("%w: stock must not be negative", orders.ErrInvalidInput)
	}
	return nil
}
