package redeem

import (
	"context"
	"crypto/x509"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

// Service submits one batch of orders through a redeem channel and
// reconciles the per-order outcomes. The whole batch is one logical unit:
// batch-level failures return an error and no response set.
type Service interface {
	Redeem(ctx context.Context, orders []OrderRequest) (ResponseSet, error)
}

// AVSMessage is the plaintext order payload encrypted for the pharmacy's
// recipient certificates and posted to its AVS endpoint.
type AVSMessage struct {
	Version       int
	SupplyOptions pharmacy.RedeemOption
	TransactionID uuid.UUID
	TaskID        string
	AccessCode    string
	Name          string
	Street        string
	Zip           string
	City          string
	Phone         string
	Mail          string
	Hint          string
}

// NewAVSMessage converts an order request into the AVS wire payload.
func NewAVSMessage(order OrderRequest) (AVSMessage, error) {
	version, err := strconv.Atoi(order.Version)
	if err != nil {
		return AVSMessage{}, &TransportError{Channel: ServiceAVS, Err: err}
	}
	return AVSMessage{
		Version:       version,
		SupplyOptions: order.RedeemType,
		TransactionID: order.TransactionID,
		TaskID:        order.TaskID,
		AccessCode:    order.AccessCode,
		Name:          order.Name,
		Street:        order.Street,
		Zip:           order.Zip,
		City:          order.City,
		Phone:         order.Phone,
		Mail:          order.Mail,
		Hint:          order.DeliveryHint,
	}, nil
}

// AVSClient delivers one encrypted message to an AVS endpoint and returns
// the HTTP status code of the pharmacy's answer.
type AVSClient interface {
	Deliver(ctx context.Context, msg AVSMessage, endpoint pharmacy.Endpoint, recipients []*x509.Certificate) (int, error)
}

// AVSTransaction records a successfully delivered AVS order locally so the
// user can find it again in the order history.
type AVSTransaction struct {
	TransactionID     uuid.UUID
	HTTPStatusCode    int
	GroupedRedeemTime time.Time
	GroupedRedeemID   uuid.UUID
	TelematikID       string
}

// AVSTransactionStore persists AVS transactions.
type AVSTransactionStore interface {
	SaveAVSTransaction(ctx context.Context, tx AVSTransaction) error
}

// AVSRedeemService redeems orders through the certificate-based AVS channel.
// No user login is involved; encryption against the pharmacy's certificates
// stands in for authentication.
type AVSRedeemService struct {
	client AVSClient
	store  AVSTransactionStore
	logger *zap.Logger
	tracer trace.Tracer

	now   func() time.Time
	newID func() uuid.UUID
}

// NewAVSRedeemService creates the AVS channel service.
func NewAVSRedeemService(client AVSClient, store AVSTransactionStore, logger *zap.Logger) *AVSRedeemService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AVSRedeemService{
		client: client,
		store:  store,
		logger: logger,
		tracer: otel.Tracer("avs-redeem"),
		now:    time.Now,
		newID:  uuid.New,
	}
}

// Redeem implements Service. Every order must carry the resolved endpoint
// and at least one recipient certificate; otherwise the whole batch fails
// before any network activity. Orders are dispatched concurrently and each
// failure degrades only its own response.
func (s *AVSRedeemService) Redeem(ctx context.Context, orders []OrderRequest) (ResponseSet, error) {
	ctx, span := s.tracer.Start(ctx, "avs_redeem",
		trace.WithAttributes(attribute.Int("order_count", len(orders))))
	defer span.End()

	for _, order := range orders {
		if order.Endpoint == nil {
			return nil, &TransportError{Channel: ServiceAVS, Err: ErrMissingAVSEndpoint}
		}
		if len(order.Recipients) == 0 {
			return nil, &TransportError{Channel: ServiceAVS, Err: ErrMissingAVSCertificate}
		}
	}

	messages := make([]AVSMessage, len(orders))
	for i, order := range orders {
		msg, err := NewAVSMessage(order)
		if err != nil {
			return nil, err
		}
		messages[i] = msg
	}

	// All orders of one submission share a grouped redeem time and id.
	groupedTime := s.now()
	groupedID := s.newID()

	responses := make(ResponseSet, len(orders))
	var wg sync.WaitGroup
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = s.redeemOne(ctx, orders[i], messages[i], groupedTime, groupedID)
		}(i)
	}
	wg.Wait()

	span.SetAttributes(attribute.Int("failed_count", responses.FailedCount()))
	return responses, nil
}

func (s *AVSRedeemService) redeemOne(
	ctx context.Context,
	order OrderRequest,
	msg AVSMessage,
	groupedTime time.Time,
	groupedID uuid.UUID,
) OrderResponse {
	status, err := s.client.Deliver(ctx, msg, *order.Endpoint, order.Recipients)
	if err != nil {
		s.logger.Warn("avs delivery failed",
			zap.String("task_id", order.TaskID),
			zap.String("telematik_id", order.TelematikID),
			zap.Error(err))
		return OrderResponse{Requested: order, Result: OrderResult{Err: err}, ReceivedAt: s.now()}
	}
	if status < 200 || status >= 300 {
		return OrderResponse{
			Requested:  order,
			Result:     OrderResult{Err: ErrUnexpectedHTTPStatus},
			ReceivedAt: s.now(),
		}
	}

	if err := s.store.SaveAVSTransaction(ctx, AVSTransaction{
		TransactionID:     order.TransactionID,
		HTTPStatusCode:    status,
		GroupedRedeemTime: groupedTime,
		GroupedRedeemID:   groupedID,
		TelematikID:       order.TelematikID,
	}); err != nil {
		// The pharmacy accepted the order; a failed local record degrades
		// the response so the user is told to verify with the pharmacy.
		s.logger.Error("saving avs transaction failed",
			zap.String("transaction_id", order.TransactionID.String()),
			zap.Error(err))
		return OrderResponse{Requested: order, Result: OrderResult{Err: err}, ReceivedAt: s.now()}
	}

	return OrderResponse{Requested: order, Result: OrderResult{Success: true}, ReceivedAt: s.now()}
}
