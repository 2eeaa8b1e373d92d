package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"saxobot/internal/broker"
	"saxobot/internal/domain"
)

// PrecheckClient runs the mandatory non-committing server-side order
// validation. Every call carries a fresh request id distinct from the
// one the placement will use.
type PrecheckClient struct {
	client *broker.Client
	log    *slog.Logger
}

func NewPrecheckClient(client *broker.Client, log *slog.Logger) *PrecheckClient {
	return &PrecheckClient{client: client, log: log}
}

type moneyField struct {
	Amount   decimal.Decimal `json:"Amount"`
	Currency string          `json:"Currency"`
}

type precheckResponse struct {
	ErrorInfo *struct {
		ErrorCode string `json:"ErrorCode"`
		Message   string `json:"Message"`
	} `json:"ErrorInfo"`
	EstimatedCashRequired         decimal.Decimal `json:"EstimatedCashRequired"`
	EstimatedCashRequiredCurrency string          `json:"EstimatedCashRequiredCurrency"`
	MarginImpactBuySell           *moneyField     `json:"MarginImpactBuySell"`
	MarginImpact                  *moneyField     `json:"MarginImpact"` // legacy field name
	PreTradeDisclaimers           *struct {
		DisclaimerContext string   `json:"DisclaimerContext"`
		DisclaimerTokens  []string `json:"DisclaimerTokens"`
	} `json:"PreTradeDisclaimers"`
}

// Precheck validates the intent server-side. A business rejection comes
// back as a populated outcome with OK=false and a nil error; a non-nil
// error means the call itself failed and may be retried by the caller.
func (p *PrecheckClient) Precheck(ctx context.Context, intent domain.OrderIntent) (*domain.PrecheckOutcome, error) {
	requestID := uuid.NewString()
	body := orderPayload(intent)
	body["FieldGroups"] = []string{"Costs", "MarginImpactBuySell"}

	var resp precheckResponse
	err := p.client.Post(ctx, "/trade/v2/orders/precheck", requestID, body, &resp)
	if err != nil {
		apiErr, ok := broker.AsAPIError(err)
		if !ok || apiErr.StatusCode >= 500 || apiErr.StatusCode == 429 {
			return nil, fmt.Errorf("precheck: %w", err)
		}
		// Definite business rejection.
		outcome := &domain.PrecheckOutcome{
			Error:      &domain.ErrorInfo{Code: apiErr.Code, Message: apiErr.Message},
			HTTPStatus: apiErr.StatusCode,
			RequestID:  requestID,
		}
		p.logOutcome(intent, outcome)
		return outcome, nil
	}

	outcome := &domain.PrecheckOutcome{
		OK:         resp.ErrorInfo == nil,
		HTTPStatus: 200,
		RequestID:  requestID,
	}
	if resp.ErrorInfo != nil {
		outcome.Error = &domain.ErrorInfo{Code: resp.ErrorInfo.ErrorCode, Message: resp.ErrorInfo.Message}
	}
	if !resp.EstimatedCashRequired.IsZero() {
		outcome.EstimatedCost = &domain.Money{
			Amount:   resp.EstimatedCashRequired,
			Currency: resp.EstimatedCashRequiredCurrency,
		}
	}
	if m := resp.MarginImpactBuySell; m != nil {
		outcome.MarginImpact = &domain.Money{Amount: m.Amount, Currency: m.Currency}
	} else if m := resp.MarginImpact; m != nil {
		outcome.MarginImpact = &domain.Money{Amount: m.Amount, Currency: m.Currency}
	}
	if d := resp.PreTradeDisclaimers; d != nil {
		outcome.DisclaimerContext = d.DisclaimerContext
		outcome.DisclaimerTokens = d.DisclaimerTokens
	}

	p.logOutcome(intent, outcome)
	return outcome, nil
}

func (p *PrecheckClient) logOutcome(intent domain.OrderIntent, o *domain.PrecheckOutcome) {
	attrs := []any{
		"instrument", intent.Instrument.String(),
		"side", string(intent.Side),
		"amount", intent.Amount.String(),
		"external_reference", intent.ExternalReference,
		"request_id", o.RequestID,
		"ok", o.OK,
	}
	if o.Error != nil {
		attrs = append(attrs, "error_code", o.Error.Code, "error_message", o.Error.Message)
	}
	if len(o.DisclaimerTokens) > 0 {
		attrs = append(attrs, "disclaimer_tokens", len(o.DisclaimerTokens))
	}
	if o.OK {
		p.log.Info("precheck passed", attrs...)
	} else {
		p.log.Warn("precheck rejected", attrs...)
	}
}

// orderPayload builds the wire body shared by precheck and placement.
// Market orders always go out as DayOrder; the venue rejects other
// durations for them.
func orderPayload(intent domain.OrderIntent) map[string]any {
	duration := intent.Duration
	if intent.OrderType == domain.OrderMarket {
		duration = domain.DurationDayOrder
	}
	return map[string]any{
		"AccountKey":        intent.AccountKey,
		"Uic":               intent.Instrument.Uic,
		"AssetType":         string(intent.Instrument.AssetType),
		"OrderType":         string(intent.OrderType),
		"BuySell":           string(intent.Side),
		"Amount":            intent.Amount.InexactFloat64(),
		"ManualOrder":       intent.ManualOrder,
		"ExternalReference": intent.ExternalReference,
		"OrderDuration":     map[string]string{"DurationType": string(duration)},
	}
}
