package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultSwishTimeout = 10 * time.Second
	payoutCurrency      = "SEK"
	payoutMessageMax    = 50
)

// Payout statuses the gateway may report in a 2xx body.
const (
	swishStatusCreated  = "CREATED"
	swishStatusError    = "ERROR"
	swishStatusDeclined = "DECLINED"
)

type payoutRequestBody struct {
	PayoutInstructionUUID string `json:"payoutInstructionUUID"`
	PayerAlias            string `json:"payerAlias,omitempty"`
	PayeeAlias            string `json:"payeeAlias"`
	Amount                string `json:"amount"`
	Currency              string `json:"currency"`
	Message               string `json:"message,omitempty"`
}

type payoutResponseBody struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// SwishConfig configures the Swish payout client.
type SwishConfig struct {
	BaseURL    string
	APIKey     string
	PayerAlias string
	Timeout    time.Duration
}

// SwishGateway submits customer payouts to a Swish payout API.
type SwishGateway struct {
	client     *resty.Client
	baseURL    string
	payerAlias string
}

func NewSwishGateway(cfg SwishConfig) (*SwishGateway, error) {
	client := resty.New()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSwishTimeout
	}
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		client.SetAuthToken(key)
	}

	return NewSwishGatewayWithClient(cfg, client)
}

func NewSwishGatewayWithClient(cfg SwishConfig, client *resty.Client) (*SwishGateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("swish base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid swish base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSwishTimeout)
	}
	client.SetRetryCount(0)

	return &SwishGateway{
		client:     client,
		baseURL:    baseURL,
		payerAlias: strings.TrimSpace(cfg.PayerAlias),
	}, nil
}

func (g *SwishGateway) SubmitPayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gateway is not initialized")
	}
	if strings.TrimSpace(req.CustomerReference) == "" {
		return nil, invalidRequest("customer reference is required")
	}
	if !req.Amount.IsPositive() {
		return nil, invalidRequest("payout amount must be positive, got %s", req.Amount.StringFixed(2))
	}

	body := payoutRequestBody{
		PayoutInstructionUUID: req.IdempotencyKey,
		PayerAlias:            g.payerAlias,
		PayeeAlias:            req.CustomerReference,
		Amount:                req.Amount.StringFixed(2),
		Currency:              payoutCurrency,
		Message:               truncate(req.Message, payoutMessageMax),
	}

	request := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if req.IdempotencyKey != "" {
		request.SetHeader("Idempotency-Key", req.IdempotencyKey)
	}

	response, err := request.Post(g.baseURL + "/payouts")
	if err != nil {
		return nil, transportError(err)
	}
	if response == nil {
		return nil, &GatewayError{
			Message:   "gateway returned empty response",
			Transient: true,
		}
	}

	parsed := decodePayoutResponse(response.Body())
	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return nil, statusError(statusCode, parsed.ErrorCode, response.String())
	}

	status := strings.ToUpper(strings.TrimSpace(parsed.Status))
	if status == swishStatusError || status == swishStatusDeclined {
		return nil, declinedError(statusCode, status, parsed.ErrorCode, parsed.ErrorMessage)
	}
	if status == "" {
		status = swishStatusCreated
	}

	return &PayoutResult{
		StatusCode: statusCode,
		Reference:  payoutReference(response, parsed),
		Status:     status,
	}, nil
}

// TestConnection calls the gateway health endpoint. Connectivity failures
// are reported as false.
func (g *SwishGateway) TestConnection(ctx context.Context) bool {
	if g == nil || g.client == nil {
		return false
	}

	response, err := g.client.R().
		SetContext(ctx).
		Get(g.baseURL + "/health")
	if err != nil || response == nil {
		return false
	}
	return response.StatusCode() >= http.StatusOK && response.StatusCode() < http.StatusMultipleChoices
}

// decodePayoutResponse tolerates empty and non-JSON bodies; a 2xx without a
// body is still an accepted payout.
func decodePayoutResponse(body []byte) payoutResponseBody {
	var parsed payoutResponseBody
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	return parsed
}

func payoutReference(response *resty.Response, parsed payoutResponseBody) string {
	if id := strings.TrimSpace(parsed.ID); id != "" {
		return id
	}
	if location := strings.TrimSpace(response.Header().Get("Location")); location != "" {
		return path.Base(location)
	}
	for _, key := range []string{"X-Request-ID", "X-Request-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}
	return ""
}

func truncate(s string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes])
}
