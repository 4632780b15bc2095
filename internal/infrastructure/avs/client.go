// Package avs implements the HTTP transport to pharmacy AVS endpoints.
// Order payloads are CMS-encrypted against the pharmacy's recipient
// certificates; no user authentication is involved on this channel.
package avs

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.mozilla.org/pkcs7"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
	"github.com/apomesh/erx-redeem/internal/observability/metrics"
	"github.com/apomesh/erx-redeem/internal/redeem"
	"github.com/apomesh/erx-redeem/pkg/circuitbreaker"
)

// wirePayload is the plaintext AVS order message before encryption.
type wirePayload struct {
	Version           int      `json:"version"`
	SupplyOptionsType string   `json:"supplyOptionsType"`
	TransactionID     string   `json:"transactionID"`
	TaskID            string   `json:"taskID"`
	AccessCode        string   `json:"accessCode"`
	Name              string   `json:"name,omitempty"`
	Address           []string `json:"address,omitempty"`
	Phone             string   `json:"phone,omitempty"`
	Mail              string   `json:"mail,omitempty"`
	Hint              string   `json:"hint,omitempty"`
}

// ClientConfig holds AVS transport settings.
type ClientConfig struct {
	// RequestTimeout bounds one delivery attempt.
	RequestTimeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
}

// DefaultClientConfig returns transport defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 10 * time.Second,
		UserAgent:      "erx-redeem/1.0",
	}
}

// Client delivers encrypted order messages to pharmacy AVS endpoints. Each
// endpoint host gets its own circuit breaker so one unreachable pharmacy
// does not block deliveries to others.
type Client struct {
	http     *http.Client
	config   ClientConfig
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewClient creates an AVS client. m may be nil.
func NewClient(cfg ClientConfig, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		config:   cfg,
		breakers: circuitbreaker.NewManager(logger),
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("avs-client"),
	}
}

// breakerConfig reports state transitions to the breaker gauge.
func (c *Client) breakerConfig(endpointURL string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(endpointURL)
	if c.metrics != nil {
		cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			var v float64
			switch to {
			case circuitbreaker.StateOpen:
				v = 1
			case circuitbreaker.StateHalfOpen:
				v = 2
			}
			c.metrics.AVSBreakerState.WithLabelValues(name).Set(v)
		}
	}
	return cfg
}

// Deliver implements redeem.AVSClient. The returned status code is the
// pharmacy's HTTP answer; errors cover encryption, transport and open
// circuit failures.
func (c *Client) Deliver(
	ctx context.Context,
	msg redeem.AVSMessage,
	endpoint pharmacy.Endpoint,
	recipients []*x509.Certificate,
) (int, error) {
	ctx, span := c.tracer.Start(ctx, "avs_deliver",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint.URL),
			attribute.String("transaction_id", msg.TransactionID.String()),
		))
	defer span.End()

	body, err := c.encrypt(msg, recipients)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	breaker, err := c.breakers.GetOrCreate(endpoint.URL, c.breakerConfig(endpoint.URL))
	if err != nil {
		return 0, fmt.Errorf("creating circuit breaker: %w", err)
	}

	var status int
	err = breaker.Execute(ctx, func() error {
		var reqErr error
		status, reqErr = c.post(ctx, endpoint, body)
		return reqErr
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	return status, nil
}

// encrypt serializes the message and wraps it in a CMS EnvelopedData
// structure for all recipient certificates.
func (c *Client) encrypt(msg redeem.AVSMessage, recipients []*x509.Certificate) ([]byte, error) {
	payload := wirePayload{
		Version:           msg.Version,
		SupplyOptionsType: string(msg.SupplyOptions),
		TransactionID:     msg.TransactionID.String(),
		TaskID:            msg.TaskID,
		AccessCode:        msg.AccessCode,
		Name:              msg.Name,
		Phone:             msg.Phone,
		Mail:              msg.Mail,
		Hint:              msg.Hint,
	}
	if msg.Street != "" || msg.Zip != "" || msg.City != "" {
		payload.Address = []string{msg.Street, msg.Zip, msg.City}
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding avs payload: %w", err)
	}

	encrypted, err := pkcs7.Encrypt(plaintext, recipients)
	if err != nil {
		return nil, fmt.Errorf("encrypting avs payload: %w", err)
	}
	return encrypted, nil
}

func (c *Client) post(ctx context.Context, endpoint pharmacy.Endpoint, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building avs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pkcs7-mime")
	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range endpoint.AdditionalHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting avs order: %w", err)
	}
	defer resp.Body.Close()
	// The response body carries no order data; drain it for keep-alive.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}
