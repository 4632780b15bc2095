package redeem

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

// TaskOrder is the order payload accepted by the national task repository.
type TaskOrder struct {
	OrderID      string
	TaskID       string
	AccessCode   string
	TelematikID  string
	FlowType     string
	SupplyOption pharmacy.RedeemOption
	Name         string
	Street       string
	Zip          string
	City         string
	Phone        string
	Mail         string
	Hint         string
}

// NewTaskOrder converts an order request into a repository order. The
// telematik id is mandatory for this channel.
func NewTaskOrder(order OrderRequest) (TaskOrder, error) {
	if order.TelematikID == "" {
		return TaskOrder{}, &TransportError{Channel: ServiceTaskRepository, Err: ErrMissingTelematikID}
	}
	return TaskOrder{
		OrderID:      order.OrderID.String(),
		TaskID:       order.TaskID,
		AccessCode:   order.AccessCode,
		TelematikID:  order.TelematikID,
		FlowType:     order.FlowType,
		SupplyOption: order.RedeemType,
		Name:         order.Name,
		Street:       order.Street,
		Zip:          order.Zip,
		City:         order.City,
		Phone:        order.Phone,
		Mail:         order.Mail,
		Hint:         order.DeliveryHint,
	}, nil
}

// TaskRepositoryClient is the authenticated transport to the task
// repository ("Fachdienst").
type TaskRepositoryClient interface {
	// IsAuthenticated reports whether a valid access token is present.
	IsAuthenticated(ctx context.Context) (bool, error)
	// RedeemOrder places one order. An AlreadyRedeemedError marks tasks
	// that were redeemed before.
	RedeemOrder(ctx context.Context, order TaskOrder) error
}

// TaskRepositoryRedeemService redeems orders through the task repository.
// It requires a valid token; without one the batch is rejected so the
// caller can route the user through the card wall first.
type TaskRepositoryRedeemService struct {
	client TaskRepositoryClient
	logger *zap.Logger
	tracer trace.Tracer
}

// NewTaskRepositoryRedeemService creates the task repository channel service.
func NewTaskRepositoryRedeemService(client TaskRepositoryClient, logger *zap.Logger) *TaskRepositoryRedeemService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskRepositoryRedeemService{
		client: client,
		logger: logger,
		tracer: otel.Tracer("taskrepo-redeem"),
	}
}

// Redeem implements Service.
func (s *TaskRepositoryRedeemService) Redeem(ctx context.Context, orders []OrderRequest) (ResponseSet, error) {
	ctx, span := s.tracer.Start(ctx, "taskrepo_redeem",
		trace.WithAttributes(attribute.Int("order_count", len(orders))))
	defer span.End()

	authenticated, err := s.client.IsAuthenticated(ctx)
	if err != nil || !authenticated {
		return nil, ErrNoTokenAvailable
	}

	taskOrders := make([]TaskOrder, len(orders))
	for i, order := range orders {
		taskOrder, err := NewTaskOrder(order)
		if err != nil {
			return nil, err
		}
		taskOrders[i] = taskOrder
	}

	// Collect tasks the repository reports as already redeemed; they abort
	// the whole batch so the caller can deselect them.
	var mu sync.Mutex
	var alreadyRedeemed []string

	responses := make(ResponseSet, len(orders))
	var wg sync.WaitGroup
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.client.RedeemOrder(ctx, taskOrders[i])
			if err != nil {
				var already *AlreadyRedeemedError
				if errors.As(err, &already) {
					mu.Lock()
					alreadyRedeemed = append(alreadyRedeemed, already.TaskIDs...)
					mu.Unlock()
				}
				s.logger.Warn("task repository order failed",
					zap.String("task_id", orders[i].TaskID),
					zap.Error(err))
				responses[i] = OrderResponse{Requested: orders[i], Result: OrderResult{Err: err}}
				return
			}
			responses[i] = OrderResponse{Requested: orders[i], Result: OrderResult{Success: true}}
		}(i)
	}
	wg.Wait()

	if len(alreadyRedeemed) > 0 {
		return nil, &AlreadyRedeemedError{TaskIDs: alreadyRedeemed}
	}

	span.SetAttributes(attribute.Int("failed_count", responses.FailedCount()))
	return responses, nil
}
