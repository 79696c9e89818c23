package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/sakashimaa/go-order-saga/pkg/config"
	"github.com/sakashimaa/go-order-saga/pkg/utils"
	"github.com/sakashimaa/go-order-saga/services/order/internal/port"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type PaymentClient struct {
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
}

func NewPaymentClient(cfg config.Services, breaker config.Breaker, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{
		http: newRestClient(cfg.PaymentURL, cfg),
		cb:   newBreaker("PaymentService", breaker, logger),
	}
}

func (c *PaymentClient) Charge(ctx context.Context, req port.ChargeRequest) (port.PaymentResult, error) {
	return c.call(ctx, "/api/payments/charge", "payment charge", req)
}

func (c *PaymentClient) Refund(ctx context.Context, req port.RefundRequest) (port.PaymentResult, error) {
	return c.call(ctx, "/api/payments/refund", "payment refund", req)
}

// call treats 402 as a declined payment: the body is the result and the
// breaker does not count it as a failure.
func (c *PaymentClient) call(ctx context.Context, path, op string, body any) (port.PaymentResult, error) {
	return utils.ExecuteWithBreaker(ctx, c.cb, func(ctx context.Context) (port.PaymentResult, error) {
		var result port.PaymentResult

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&result).
			SetError(&result).
			Post(path)
		if err != nil {
			return port.PaymentResult{}, fmt.Errorf("%s request: %w", op, err)
		}

		if resp.StatusCode() == http.StatusPaymentRequired {
			result.Success = false
			return result, nil
		}

		if err := statusError(op, resp); err != nil {
			return port.PaymentResult{}, err
		}

		return result, nil
	})
}
