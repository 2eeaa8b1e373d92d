package execution

import (
	"context"
	"log/slog"
	"time"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
)

// PlacementClient sends the order and classifies the outcome into the
// three-way success / definite failure / uncertain split. It never
// retries; the orchestrator owns the retry and reconciliation decisions.
type PlacementClient struct {
	client  *broker.Client
	timeout time.Duration
	log     *slog.Logger
}

func NewPlacementClient(client *broker.Client, timeout time.Duration, log *slog.Logger) *PlacementClient {
	return &PlacementClient{client: client, timeout: timeout, log: log}
}

// uncertainErrorCodes are broker errors where the order may still have
// been registered despite the failure response.
var uncertainErrorCodes = map[string]bool{
	"TradeNotCompleted": true,
}

// Place issues exactly one placement attempt using the intent's current
// request id. The outcome is always classified, never an error.
func (p *PlacementClient) Place(ctx context.Context, intent domain.OrderIntent) *domain.PlacementOutcome {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var resp struct {
		OrderID string `json:"OrderId"`
		Orders  []struct {
			OrderID string `json:"OrderId"`
		} `json:"Orders"`
	}
	err := p.client.Post(ctx, "/trade/v2/orders", intent.RequestID, orderPayload(intent), &resp)

	// Multi-leg responses nest the id under Orders.
	orderID := resp.OrderID
	if orderID == "" && len(resp.Orders) > 0 {
		orderID = resp.Orders[0].OrderID
	}

	outcome := &domain.PlacementOutcome{RequestID: intent.RequestID}
	switch {
	case err == nil && orderID != "":
		outcome.Status = domain.PlacementSuccess
		outcome.OrderID = orderID
		outcome.HTTPStatus = 200
	case err == nil:
		// 2xx with no order id: the broker may or may not have an order.
		outcome.Status = domain.PlacementUncertain
		outcome.RequiresReconciliation = true
		outcome.HTTPStatus = 200
		outcome.Error = &domain.ErrorInfo{Message: "placement response missing order id"}
	case broker.IsTimeout(err):
		outcome.Status = domain.PlacementUncertain
		outcome.RequiresReconciliation = true
		outcome.Error = &domain.ErrorInfo{Code: "Timeout", Message: err.Error()}
	default:
		apiErr, ok := broker.AsAPIError(err)
		if ok && uncertainErrorCodes[apiErr.Code] {
			outcome.Status = domain.PlacementUncertain
			outcome.RequiresReconciliation = true
			outcome.HTTPStatus = apiErr.StatusCode
			// The error body may still name the order; reconciliation
			// prefers the authoritative by-id query when it does.
			outcome.OrderID = apiErr.OrderID
			outcome.Error = &domain.ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
			break
		}
		outcome.Status = domain.PlacementFailure
		if ok {
			outcome.HTTPStatus = apiErr.StatusCode
			outcome.Error = &domain.ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
		} else {
			outcome.Error = &domain.ErrorInfo{Message: err.Error()}
		}
	}

	p.logOutcome(intent, outcome)
	return outcome
}

func (p *PlacementClient) logOutcome(intent domain.OrderIntent, o *domain.PlacementOutcome) {
	attrs := []any{
		"instrument", intent.Instrument.String(),
		"side", string(intent.Side),
		"amount", intent.Amount.String(),
		"external_reference", intent.ExternalReference,
		"request_id", o.RequestID,
		"status", string(o.Status),
		"http_status", o.HTTPStatus,
	}
	if o.OrderID != "" {
		attrs = append(attrs, "order_id", o.OrderID)
	}
	if o.Error != nil {
		attrs = append(attrs, "error_code", o.Error.Code, "error_message", o.Error.Message)
	}

	switch o.Status {
	case domain.PlacementSuccess:
		p.log.Info("order placed", attrs...)
	case domain.PlacementUncertain:
		p.log.Warn("placement outcome uncertain, reconciliation required", attrs...)
	default:
		p.log.Warn("placement failed", attrs...)
	}
}
