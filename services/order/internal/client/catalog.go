package client

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/sakashimaa/go-order-saga/pkg/config"
	"github.com/sakashimaa/go-order-saga/pkg/utils"
	"github.com/sakashimaa/go-order-saga/services/order/internal/port"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type CatalogClient struct {
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
}

func NewCatalogClient(cfg config.Services, breaker config.Breaker, logger *zap.Logger) *CatalogClient {
	return &CatalogClient{
		http: newRestClient(cfg.CatalogURL, cfg),
		cb:   newBreaker("CatalogService", breaker, logger),
	}
}

type itemsRequest struct {
	Items []port.ItemRequest `json:"items"`
}

func (c *CatalogClient) CheckAvailability(ctx context.Context, items []port.ItemRequest) (port.AvailabilityResult, error) {
	return utils.ExecuteWithBreaker(ctx, c.cb, func(ctx context.Context) (port.AvailabilityResult, error) {
		var result port.AvailabilityResult

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(itemsRequest{Items: items}).
			SetResult(&result).
			Post("/api/catalog/availability")
		if err != nil {
			return port.AvailabilityResult{}, fmt.Errorf("catalog availability request: %w", err)
		}

		if err := statusError("catalog availability", resp); err != nil {
			return port.AvailabilityResult{}, err
		}

		return result, nil
	})
}

func (c *CatalogClient) Reserve(ctx context.Context, items []port.ItemRequest) error {
	return c.post(ctx, "/api/catalog/reservations", "catalog reserve", items)
}

func (c *CatalogClient) Release(ctx context.Context, items []port.ItemRequest) error {
	return c.post(ctx, "/api/catalog/reservations/release", "catalog release", items)
}

func (c *CatalogClient) post(ctx context.Context, path, op string, items []port.ItemRequest) error {
	_, err := utils.ExecuteWithBreaker(ctx, c.cb, func(ctx context.Context) (struct{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(itemsRequest{Items: items}).
			Post(path)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s request: %w", op, err)
		}

		return struct{}{}, statusError(op, resp)
	})

	return err
}
