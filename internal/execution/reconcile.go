package execution

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
)

// Reconciler resolves uncertain placements with a single authoritative
// query. It queries by order id when the broker returned one, otherwise
// falls back to scanning open orders by external reference, a path the
// broker does not contractually guarantee.
type Reconciler struct {
	client  *broker.Client
	timeout time.Duration
	log     *slog.Logger
}

func NewReconciler(client *broker.Client, timeout time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{client: client, timeout: timeout, log: log}
}

type orderRecord struct {
	OrderID           string          `json:"OrderId"`
	Status            string          `json:"Status"`
	ExternalReference string          `json:"ExternalReference"`
	FilledAmount      decimal.Decimal `json:"FilledAmount"`
	Price             decimal.Decimal `json:"Price"`
}

// Reconcile makes one query and classifies the result. It never retries
// and never re-places; the caller decides what the classification means.
func (r *Reconciler) Reconcile(ctx context.Context, intent domain.OrderIntent, orderID string) *domain.ReconciliationOutcome {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var outcome *domain.ReconciliationOutcome
	if orderID != "" {
		outcome = r.byOrderID(ctx, intent, orderID)
	} else {
		outcome = r.byExternalReference(ctx, intent)
	}

	r.log.Info("reconciliation result",
		"instrument", intent.Instrument.String(),
		"external_reference", intent.ExternalReference,
		"order_id", outcome.OrderID,
		"status", string(outcome.Status),
		"degraded_confidence", outcome.DegradedConfidence,
	)
	return outcome
}

func (r *Reconciler) byOrderID(ctx context.Context, intent domain.OrderIntent, orderID string) *domain.ReconciliationOutcome {
	path := fmt.Sprintf("/port/v1/orders/%s/%s", url.PathEscape(intent.ClientKey), url.PathEscape(orderID))

	var rec orderRecord
	if err := r.client.Get(ctx, path, nil, &rec); err != nil {
		if apiErr, ok := broker.AsAPIError(err); ok && apiErr.StatusCode == 404 {
			return &domain.ReconciliationOutcome{Status: domain.ReconNotFound}
		}
		return &domain.ReconciliationOutcome{
			Status:       domain.ReconQueryFailed,
			ErrorMessage: err.Error(),
		}
	}
	return classifyOrder(rec, false)
}

func (r *Reconciler) byExternalReference(ctx context.Context, intent domain.OrderIntent) *domain.ReconciliationOutcome {
	query := url.Values{}
	query.Set("ClientKey", intent.ClientKey)
	query.Set("Status", "All")

	var resp struct {
		Data []orderRecord `json:"Data"`
	}
	if err := r.client.Get(ctx, "/port/v1/orders", query, &resp); err != nil {
		return &domain.ReconciliationOutcome{
			Status:             domain.ReconQueryFailed,
			DegradedConfidence: true,
			ErrorMessage:       err.Error(),
		}
	}

	for _, rec := range resp.Data {
		if rec.ExternalReference == intent.ExternalReference {
			return classifyOrder(rec, true)
		}
	}
	return &domain.ReconciliationOutcome{
		Status:             domain.ReconNotFound,
		DegradedConfidence: true,
	}
}

func classifyOrder(rec orderRecord, degraded bool) *domain.ReconciliationOutcome {
	outcome := &domain.ReconciliationOutcome{
		OrderID:            rec.OrderID,
		OrderStatus:        rec.Status,
		FillPrice:          rec.Price,
		FilledAmount:       rec.FilledAmount,
		DegradedConfidence: degraded,
	}
	switch rec.Status {
	case "Working", "Parked":
		outcome.Status = domain.ReconFoundWorking
	case "Filled", "FillAndStore":
		outcome.Status = domain.ReconFoundFilled
	case "Cancelled", "Rejected", "Expired":
		outcome.Status = domain.ReconFoundCancelled
	default:
		// An order exists in a state we do not classify; treat it as
		// working so nothing is re-issued.
		outcome.Status = domain.ReconFoundWorking
	}
	return outcome
}
