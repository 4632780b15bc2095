package redeem

import (
	"crypto/x509"
	"time"

	"github.com/google/uuid"

	"github.com/apomesh/erx-redeem/internal/domain/erx"
	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

// ShipmentInfo is the contact data a user enters for delivery or shipment.
type ShipmentInfo struct {
	Name         string
	Street       string
	Zip          string
	City         string
	Phone        string
	Mail         string
	DeliveryHint string
}

// OrderRequest is one outbound redemption unit, immutable once sent. All
// requests of one submission share the OrderID; every request carries its
// own TransactionID.
type OrderRequest struct {
	OrderID       uuid.UUID
	TransactionID uuid.UUID
	Version       string
	RedeemType    pharmacy.RedeemOption
	FlowType      string

	TaskID     string
	AccessCode string

	TelematikID string
	Endpoint    *pharmacy.Endpoint
	Recipients  []*x509.Certificate

	Name         string
	Street       string
	Zip          string
	City         string
	Phone        string
	Mail         string
	DeliveryHint string
}

const orderVersion = "2"

// BuildOrders creates exactly one OrderRequest per selected task. Contact
// fields are only populated for delivery and shipment; pure pickup carries
// none. The AVS endpoint is resolved per request so the transaction id
// placeholder substitution stays request-local.
func BuildOrders(
	tasks []erx.Task,
	option pharmacy.RedeemOption,
	p pharmacy.Location,
	contact *ShipmentInfo,
) []OrderRequest {
	orderID := uuid.New()
	orders := make([]OrderRequest, 0, len(tasks))
	for _, task := range tasks {
		transactionID := uuid.New()
		order := OrderRequest{
			OrderID:       orderID,
			TransactionID: transactionID,
			Version:       orderVersion,
			RedeemType:    option,
			FlowType:      task.FlowType,
			TaskID:        task.ID,
			AccessCode:    task.AccessCode,
			TelematikID:   p.TelematikID,
			Endpoint:      p.AVSEndpoints.Endpoint(option, transactionID.String(), p.TelematikID),
			Recipients:    p.AVSCertificates,
		}
		if contact != nil {
			order.Name = contact.Name
			order.DeliveryHint = contact.DeliveryHint
			if option != pharmacy.RedeemOptionOnPremise {
				order.Street = contact.Street
				order.Zip = contact.Zip
				order.City = contact.City
				order.Phone = contact.Phone
				order.Mail = contact.Mail
			}
		}
		orders = append(orders, order)
	}
	return orders
}

// OrderResult is the per-request outcome inside an OrderResponse.
type OrderResult struct {
	Success bool
	Err     error
}

// OrderResponse pairs a sent request with its terminal outcome.
type OrderResponse struct {
	Requested  OrderRequest
	Result     OrderResult
	ReceivedAt time.Time
}

// IsSuccess reports a successfully redeemed order.
func (r OrderResponse) IsSuccess() bool { return r.Result.Success }

// ResponseSet is the reconciled outcome of one submission.
type ResponseSet []OrderResponse

// FailedCount returns the number of failed orders in the set.
func (s ResponseSet) FailedCount() int {
	n := 0
	for _, r := range s {
		if !r.IsSuccess() {
			n++
		}
	}
	return n
}

// AllSucceeded reports a fully successful submission.
func (s ResponseSet) AllSucceeded() bool { return len(s) > 0 && s.FailedCount() == 0 }

// AllFailed reports a submission where every order failed.
func (s ResponseSet) AllFailed() bool { return len(s) > 0 && s.FailedCount() == len(s) }

// PartiallySuccessful reports a mixed outcome.
func (s ResponseSet) PartiallySuccessful() bool {
	failed := s.FailedCount()
	return failed > 0 && failed < len(s)
}

// Succeeded returns the successful responses.
func (s ResponseSet) Succeeded() ResponseSet {
	var out ResponseSet
	for _, r := range s {
		if r.IsSuccess() {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the failed responses.
func (s ResponseSet) Failed() ResponseSet {
	var out ResponseSet
	for _, r := range s {
		if !r.IsSuccess() {
			out = append(out, r)
		}
	}
	return out
}

// Reconcile checks the set against the submitted requests: every request
// answered exactly once, matched by transaction id. ErrIDMismatch is
// returned when a response belongs to no request, a request got no
// response, or a transaction id is answered twice.
func (s ResponseSet) Reconcile(orders []OrderRequest) error {
	if len(s) != len(orders) {
		return ErrIDMismatch
	}
	open := make(map[uuid.UUID]struct{}, len(orders))
	for _, o := range orders {
		open[o.TransactionID] = struct{}{}
	}
	for _, r := range s {
		if _, ok := open[r.Requested.TransactionID]; !ok {
			return ErrIDMismatch
		}
		delete(open, r.Requested.TransactionID)
	}
	return nil
}
