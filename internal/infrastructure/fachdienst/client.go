// Package fachdienst implements the authenticated transport to the national
// e-prescription task repository.
package fachdienst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/redeem"
)

// TokenSource supplies the current access token. An empty token means the
// user has not completed the card-wall login.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// ClientConfig holds repository transport settings.
type ClientConfig struct {
	// BaseURL of the task repository.
	BaseURL string
	// RequestTimeout bounds one order placement.
	RequestTimeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
}

// DefaultClientConfig returns transport defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "https://erp.zentral.erp.splitdns.ti-dienste.de",
		RequestTimeout: 15 * time.Second,
		UserAgent:      "erx-redeem/1.0",
	}
}

// Client places orders with the task repository as dispense request
// communications addressed to the pharmacy's telematik id.
type Client struct {
	http   *http.Client
	config ClientConfig
	tokens TokenSource
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClient creates a task repository client.
func NewClient(cfg ClientConfig, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		config: cfg,
		tokens: tokens,
		logger: logger,
		tracer: otel.Tracer("fachdienst-client"),
	}
}

// IsAuthenticated implements redeem.TaskRepositoryClient.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return false, fmt.Errorf("reading access token: %w", err)
	}
	return token != "", nil
}

// dispenseRequest is the wire format of one order communication.
type dispenseRequest struct {
	OrderID      string `json:"orderID"`
	TaskID       string `json:"taskID"`
	AccessCode   string `json:"accessCode"`
	TelematikID  string `json:"telematikID"`
	FlowType     string `json:"flowType,omitempty"`
	SupplyOption string `json:"supplyOptionsType"`
	Name         string `json:"name,omitempty"`
	Address      []string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Mail         string `json:"mail,omitempty"`
	Hint         string `json:"hint,omitempty"`
}

// RedeemOrder implements redeem.TaskRepositoryClient. A 410 from the
// repository means the task was redeemed before and is reported as an
// AlreadyRedeemedError.
func (c *Client) RedeemOrder(ctx context.Context, order redeem.TaskOrder) error {
	ctx, span := c.tracer.Start(ctx, "fachdienst_redeem_order",
		trace.WithAttributes(
			attribute.String("task_id", order.TaskID),
			attribute.String("telematik_id", order.TelematikID),
		))
	defer span.End()

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	if token == "" {
		return redeem.ErrNoTokenAvailable
	}

	payload := dispenseRequest{
		OrderID:      order.OrderID,
		TaskID:       order.TaskID,
		AccessCode:   order.AccessCode,
		TelematikID:  order.TelematikID,
		FlowType:     order.FlowType,
		SupplyOption: string(order.SupplyOption),
		Name:         order.Name,
		Phone:        order.Phone,
		Mail:         order.Mail,
		Hint:         order.Hint,
	}
	if order.Street != "" || order.Zip != "" || order.City != "" {
		payload.Address = []string{order.Street, order.Zip, order.City}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding dispense request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/Communication", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispense request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("posting dispense request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return redeem.ErrNoTokenAvailable
	case resp.StatusCode == http.StatusGone:
		return &redeem.AlreadyRedeemedError{TaskIDs: []string{order.TaskID}}
	default:
		return fmt.Errorf("dispense request for task %s: %w (status %d)",
			order.TaskID, redeem.ErrUnexpectedHTTPStatus, resp.StatusCode)
	}
}
