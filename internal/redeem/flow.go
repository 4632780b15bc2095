package redeem

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/erx"
	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
	"github.com/apomesh/erx-redeem/internal/observability/metrics"
)

// PharmacyRepository persists pharmacies used for orders so they show up
// under "recently used".
type PharmacyRepository interface {
	LoadCached(ctx context.Context, telematikID string) (*pharmacy.Location, error)
	Save(ctx context.Context, p pharmacy.Location) error
}

// OrderOutcomeEvent is published after a submission reached a terminal
// state.
type OrderOutcomeEvent struct {
	OrderID     string
	TelematikID string
	Option      pharmacy.RedeemOption
	Total       int
	Failed      int
	At          time.Time
}

// EventPublisher forwards order outcomes to the event stream. Publishing is
// best effort and never affects the redeem result.
type EventPublisher interface {
	PublishOrderOutcome(ctx context.Context, ev OrderOutcomeEvent) error
}

// FlowStatus is the terminal state of one redeem attempt.
type FlowStatus string

const (
	FlowSuccess        FlowStatus = "success"
	FlowPartialFailure FlowStatus = "partialFailure"
	FlowFailed         FlowStatus = "failed"
)

// Outcome is the reconciled result handed back to the caller.
type Outcome struct {
	Status      FlowStatus
	Responses   ResponseSet
	FailedCount int
}

// Input collects everything one redeem attempt needs.
type Input struct {
	Prescriptions []erx.Task
	Option        pharmacy.RedeemOption
	Service       ServiceOption
	Pharmacy      pharmacy.Location
	Contact       *ShipmentInfo
}

// Flow drives one pharmacy redemption from validation through submission to
// reconciliation: idle -> validating -> submitting -> terminal. Attempts are
// serialized; a redeem started while another is in flight is rejected.
// There are no automatic retries, a retry is a fresh Redeem call.
type Flow struct {
	avs          Service
	taskRepo     Service
	pharmacyRepo PharmacyRepository
	events       EventPublisher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer

	mu       sync.Mutex
	inFlight bool
}

// NewFlow wires the redeem flow with its collaborators. events and m may be
// nil.
func NewFlow(
	avs Service,
	taskRepo Service,
	pharmacyRepo PharmacyRepository,
	events EventPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Flow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		avs:          avs,
		taskRepo:     taskRepo,
		pharmacyRepo: pharmacyRepo,
		events:       events,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("redeem-flow"),
	}
}

// Redeem validates the contact data, builds one order per prescription and
// submits the batch through the resolved service. Validation failures abort
// before any network activity. The pharmacy is remembered after every
// submission attempt, independent of its outcome.
func (f *Flow) Redeem(ctx context.Context, in Input) (*Outcome, error) {
	ctx, span := f.tracer.Start(ctx, "redeem",
		trace.WithAttributes(
			attribute.String("telematik_id", in.Pharmacy.TelematikID),
			attribute.String("option", string(in.Option)),
			attribute.String("service", string(in.Service)),
		))
	defer span.End()

	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		return nil, ErrRedeemInProgress
	}
	f.inFlight = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
	}()

	if len(in.Prescriptions) == 0 {
		return nil, errors.New("no prescriptions selected")
	}

	service, err := f.serviceFor(in.Service)
	if err != nil {
		return nil, err
	}

	validator := ValidatorFor(in.Service)
	if validator == nil {
		return nil, ErrNoService
	}
	if v := validator.Validate(in.Contact, in.Option); !v.Valid {
		return nil, &InvalidInputError{Message: v.Message}
	}

	start := time.Now()
	orders := BuildOrders(in.Prescriptions, in.Option, in.Pharmacy, in.Contact)
	responses, err := service.Redeem(ctx, orders)

	// Remember the pharmacy no matter how the submission went.
	f.rememberPharmacy(ctx, in.Pharmacy)

	if err != nil {
		if f.metrics != nil {
			f.metrics.OrdersFailed.Add(float64(len(orders)))
		}
		span.RecordError(err)
		return nil, err
	}
	if err := responses.Reconcile(orders); err != nil {
		if f.metrics != nil {
			f.metrics.OrdersFailed.Add(float64(len(orders)))
		}
		span.RecordError(err)
		return nil, err
	}

	outcome := &Outcome{Responses: responses, FailedCount: responses.FailedCount()}
	switch {
	case responses.AllSucceeded():
		outcome.Status = FlowSuccess
	case responses.PartiallySuccessful():
		outcome.Status = FlowPartialFailure
	default:
		outcome.Status = FlowFailed
	}

	if f.metrics != nil {
		f.metrics.OrdersSubmitted.Add(float64(len(orders) - outcome.FailedCount))
		f.metrics.OrdersFailed.Add(float64(outcome.FailedCount))
		f.metrics.RedeemDuration.Observe(time.Since(start).Seconds())
	}

	f.publishOutcome(ctx, orders, in, outcome)

	f.logger.Info("redeem finished",
		zap.String("order_id", orders[0].OrderID.String()),
		zap.String("status", string(outcome.Status)),
		zap.Int("orders", len(orders)),
		zap.Int("failed", outcome.FailedCount))

	return outcome, nil
}

func (f *Flow) serviceFor(option ServiceOption) (Service, error) {
	switch option {
	case ServiceAVS:
		return f.avs, nil
	case ServiceTaskRepository, ServiceTaskRepositoryAvailable:
		return f.taskRepo, nil
	}
	return nil, ErrNoService
}

func (f *Flow) rememberPharmacy(ctx context.Context, p pharmacy.Location) {
	if f.pharmacyRepo == nil {
		return
	}
	p.LastUsed = time.Now().UTC()
	p.CountUsage++
	if err := f.pharmacyRepo.Save(ctx, p); err != nil {
		f.logger.Warn("saving used pharmacy failed",
			zap.String("telematik_id", p.TelematikID),
			zap.Error(err))
	}
}

func (f *Flow) publishOutcome(ctx context.Context, orders []OrderRequest, in Input, outcome *Outcome) {
	if f.events == nil {
		return
	}
	ev := OrderOutcomeEvent{
		OrderID:     orders[0].OrderID.String(),
		TelematikID: in.Pharmacy.TelematikID,
		Option:      in.Option,
		Total:       len(orders),
		Failed:      outcome.FailedCount,
		At:          time.Now().UTC(),
	}
	if err := f.events.PublishOrderOutcome(ctx, ev); err != nil {
		f.logger.Warn("publishing order outcome failed",
			zap.String("order_id", ev.OrderID),
			zap.Error(err))
	}
}
