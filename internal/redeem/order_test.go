package redeem

import (
	"errors"
	"testing"

	"github.com/apomesh/erx-redeem/internal/domain/erx"
	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

func testTasks(n int) []erx.Task {
	tasks := make([]erx.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, erx.Task{
			ID:         "160.000.000.000.00" + string(rune('0'+i)),
			AccessCode: "access-code",
			FlowType:   "160",
			Source:     erx.TaskSourceServer,
		})
	}
	return tasks
}

func TestBuildOrdersShareOrderIDWithDistinctTransactionIDs(t *testing.T) {
	orders := BuildOrders(testTasks(3), pharmacy.RedeemOptionShipment, mixedServicesPharmacy(), nil)
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}

	seen := map[string]bool{}
	for _, order := range orders {
		if order.OrderID != orders[0].OrderID {
			t.Fatal("orders of one submission must share the order id")
		}
		if seen[order.TransactionID.String()] {
			t.Fatal("transaction ids must be unique per order")
		}
		seen[order.TransactionID.String()] = true
		if order.Version != "2" {
			t.Fatalf("version = %q, want %q", order.Version, "2")
		}
	}
}

func TestBuildOrdersNewSubmissionGetsFreshIdentifiers(t *testing.T) {
	tasks := testTasks(1)
	p := mixedServicesPharmacy()

	first := BuildOrders(tasks, pharmacy.RedeemOptionShipment, p, nil)
	second := BuildOrders(tasks, pharmacy.RedeemOptionShipment, p, nil)

	if first[0].OrderID == second[0].OrderID {
		t.Fatal("a retried submission must get a fresh order id")
	}
	if first[0].TransactionID == second[0].TransactionID {
		t.Fatal("a retried submission must get fresh transaction ids")
	}
}

func TestBuildOrdersContactData(t *testing.T) {
	contact := &ShipmentInfo{
		Name:         "Anna Vetter",
		Street:       "Benzstr. 1",
		Zip:          "90768",
		City:         "Fürth",
		Phone:        "0911 1234",
		Mail:         "anna@example.com",
		DeliveryHint: "Hinterhof",
	}

	t.Run("pickup omits address and reachability fields", func(t *testing.T) {
		orders := BuildOrders(testTasks(1), pharmacy.RedeemOptionOnPremise, onPremiseAVSPharmacy(), contact)
		order := orders[0]
		if order.Name != contact.Name || order.DeliveryHint != contact.DeliveryHint {
			t.Fatal("name and hint must be carried for pickup")
		}
		if order.Street != "" || order.Zip != "" || order.City != "" || order.Phone != "" || order.Mail != "" {
			t.Fatalf("pickup order must not carry address data: %+v", order)
		}
	})

	t.Run("shipment carries the full contact", func(t *testing.T) {
		orders := BuildOrders(testTasks(1), pharmacy.RedeemOptionShipment, mixedServicesPharmacy(), contact)
		order := orders[0]
		if order.Street != contact.Street || order.Zip != contact.Zip || order.City != contact.City {
			t.Fatalf("address not carried: %+v", order)
		}
		if order.Phone != contact.Phone || order.Mail != contact.Mail {
			t.Fatalf("reachability not carried: %+v", order)
		}
	})
}

func TestBuildOrdersResolvesEndpointPerRequest(t *testing.T) {
	orders := BuildOrders(testTasks(2), pharmacy.RedeemOptionShipment, mixedServicesPharmacy(), nil)
	for _, order := range orders {
		if order.Endpoint == nil {
			t.Fatal("expected a resolved avs endpoint")
		}
	}
	if orders[0].Endpoint.URL == orders[1].Endpoint.URL {
		t.Fatal("endpoint urls must differ by transaction id")
	}
}

func TestBuildOrdersWithoutAVSEndpointLeavesEndpointNil(t *testing.T) {
	orders := BuildOrders(testTasks(1), pharmacy.RedeemOptionShipment, tiServicesPharmacy(), nil)
	if orders[0].Endpoint != nil {
		t.Fatalf("expected nil endpoint, got %+v", orders[0].Endpoint)
	}
}

func TestResponseSetAccounting(t *testing.T) {
	ok := OrderResponse{Result: OrderResult{Success: true}}
	failed := OrderResponse{Result: OrderResult{Err: errors.New("rejected")}}

	tests := []struct {
		name      string
		set       ResponseSet
		failed    int
		all       bool
		none      bool
		partially bool
	}{
		{"empty", ResponseSet{}, 0, false, false, false},
		{"all succeeded", ResponseSet{ok, ok}, 0, true, false, false},
		{"all failed", ResponseSet{failed, failed}, 2, false, true, false},
		{"mixed", ResponseSet{ok, failed, ok}, 1, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.set.FailedCount(); got != tt.failed {
				t.Errorf("FailedCount() = %d, want %d", got, tt.failed)
			}
			if got := tt.set.AllSucceeded(); got != tt.all {
				t.Errorf("AllSucceeded() = %v, want %v", got, tt.all)
			}
			if got := tt.set.AllFailed(); got != tt.none {
				t.Errorf("AllFailed() = %v, want %v", got, tt.none)
			}
			if got := tt.set.PartiallySuccessful(); got != tt.partially {
				t.Errorf("PartiallySuccessful() = %v, want %v", got, tt.partially)
			}
		})
	}

	mixed := ResponseSet{ok, failed, ok}
	if got := len(mixed.Succeeded()); got != 2 {
		t.Errorf("Succeeded() returned %d responses, want 2", got)
	}
	if got := len(mixed.Failed()); got != 1 {
		t.Errorf("Failed() returned %d responses, want 1", got)
	}
}

func TestResponseSetReconcile(t *testing.T) {
	orders := BuildOrders(testTasks(2), pharmacy.RedeemOptionShipment, mixedServicesPharmacy(), nil)
	foreign := BuildOrders(testTasks(1), pharmacy.RedeemOptionShipment, mixedServicesPharmacy(), nil)

	// Order within the set does not matter, only the id pairing.
	matched := ResponseSet{
		{Requested: orders[1], Result: OrderResult{Success: true}},
		{Requested: orders[0], Result: OrderResult{Err: errors.New("rejected")}},
	}
	if err := matched.Reconcile(orders); err != nil {
		t.Fatalf("matched set must reconcile: %v", err)
	}

	tests := []struct {
		name string
		set  ResponseSet
	}{
		{"missing response", ResponseSet{{Requested: orders[0]}}},
		{"foreign transaction id", ResponseSet{{Requested: orders[0]}, {Requested: foreign[0]}}},
		{"duplicate transaction id", ResponseSet{{Requested: orders[0]}, {Requested: orders[0]}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.set.Reconcile(orders); !errors.Is(err, ErrIDMismatch) {
				t.Fatalf("Reconcile() = %v, want ErrIDMismatch", err)
			}
		})
	}
}
