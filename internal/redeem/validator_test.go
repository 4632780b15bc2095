package redeem

import (
	"strings"
	"testing"

	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

func TestValidatorFor(t *testing.T) {
	if v := ValidatorFor(ServiceAVS); v == nil || v.Service() != ServiceAVS {
		t.Fatalf("ValidatorFor(avs) = %v", v)
	}
	if v := ValidatorFor(ServiceTaskRepository); v == nil || v.Service() != ServiceTaskRepository {
		t.Fatalf("ValidatorFor(erxTaskRepository) = %v", v)
	}
	if v := ValidatorFor(ServiceTaskRepositoryAvailable); v == nil {
		t.Fatal("ValidatorFor(erxTaskRepositoryAvailable) must return a validator")
	}
	if v := ValidatorFor(NoService); v != nil {
		t.Fatalf("ValidatorFor(noService) = %v, want nil", v)
	}
}

func validContact() *ShipmentInfo {
	return &ShipmentInfo{
		Name:   "Anna Vetter",
		Street: "Benzstr. 1",
		Zip:    "90768",
		City:   "Fürth",
		Phone:  "+49 911 1234",
	}
}

func TestAVSValidator(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ShipmentInfo)
		option  pharmacy.RedeemOption
		wantOK  bool
		wantMsg string
	}{
		{name: "valid shipment contact", mutate: func(c *ShipmentInfo) {}, option: pharmacy.RedeemOptionShipment, wantOK: true},
		{name: "nil-safe for pickup", mutate: nil, option: pharmacy.RedeemOptionOnPremise, wantOK: true},
		{
			name:    "name too long",
			mutate:  func(c *ShipmentInfo) { c.Name = strings.Repeat("a", 51) },
			option:  pharmacy.RedeemOptionShipment,
			wantMsg: "name",
		},
		{
			name:   "name at limit",
			mutate: func(c *ShipmentInfo) { c.Name = strings.Repeat("ä", 50) },
			option: pharmacy.RedeemOptionShipment,
			wantOK: true,
		},
		{
			name:    "street too long",
			mutate:  func(c *ShipmentInfo) { c.Street = strings.Repeat("a", 51) },
			option:  pharmacy.RedeemOptionShipment,
			wantMsg: "street",
		},
		{
			name:    "hint too long",
			mutate:  func(c *ShipmentInfo) { c.DeliveryHint = strings.Repeat("a", 501) },
			option:  pharmacy.RedeemOptionShipment,
			wantMsg: "delivery hint",
		},
		{
			name:   "hint at limit",
			mutate: func(c *ShipmentInfo) { c.DeliveryHint = strings.Repeat("a", 500) },
			option: pharmacy.RedeemOptionShipment,
			wantOK: true,
		},
		{
			name:    "malformed phone",
			mutate:  func(c *ShipmentInfo) { c.Phone = "call me" },
			option:  pharmacy.RedeemOptionShipment,
			wantMsg: "phone",
		},
		{
			name:    "malformed mail",
			mutate:  func(c *ShipmentInfo) { c.Mail = "anna@@example" },
			option:  pharmacy.RedeemOptionShipment,
			wantMsg: "mail",
		},
		{
			name:    "delivery needs phone or mail",
			mutate:  func(c *ShipmentInfo) { c.Phone, c.Mail = "", "" },
			option:  pharmacy.RedeemOptionDelivery,
			wantMsg: "phone number or mail",
		},
		{
			name:   "mail alone satisfies reachability",
			mutate: func(c *ShipmentInfo) { c.Phone, c.Mail = "", "anna@example.com" },
			option: pharmacy.RedeemOptionDelivery,
			wantOK: true,
		},
		{
			name:   "pickup needs no reachability",
			mutate: func(c *ShipmentInfo) { c.Phone, c.Mail = "", "" },
			option: pharmacy.RedeemOptionOnPremise,
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var contact *ShipmentInfo
			if tt.mutate != nil {
				contact = validContact()
				tt.mutate(contact)
			}
			got := AVSValidator{}.Validate(contact, tt.option)
			if got.Valid != tt.wantOK {
				t.Fatalf("Valid = %v, want %v (message %q)", got.Valid, tt.wantOK, got.Message)
			}
			if !tt.wantOK && !strings.Contains(got.Message, tt.wantMsg) {
				t.Fatalf("message = %q, want mention of %q", got.Message, tt.wantMsg)
			}
		})
	}
}

func TestTaskOrderValidatorAllowsLongerNames(t *testing.T) {
	contact := validContact()
	contact.Name = strings.Repeat("a", 100)

	if got := (TaskOrderValidator{}).Validate(contact, pharmacy.RedeemOptionShipment); !got.Valid {
		t.Fatalf("100 character name must be valid for task orders: %q", got.Message)
	}
	if got := (AVSValidator{}).Validate(contact, pharmacy.RedeemOptionShipment); got.Valid {
		t.Fatal("100 character name must be invalid for avs orders")
	}

	contact.Name = strings.Repeat("a", 101)
	if got := (TaskOrderValidator{}).Validate(contact, pharmacy.RedeemOptionShipment); got.Valid {
		t.Fatal("101 character name must be invalid for task orders")
	}
}

func TestHasCompleteContactData(t *testing.T) {
	tests := []struct {
		name    string
		contact *ShipmentInfo
		option  pharmacy.RedeemOption
		want    bool
	}{
		{"pickup without contact", nil, pharmacy.RedeemOptionOnPremise, true},
		{"shipment without contact", nil, pharmacy.RedeemOptionShipment, false},
		{"shipment with full contact", validContact(), pharmacy.RedeemOptionShipment, true},
		{"shipment missing city", &ShipmentInfo{Name: "A", Street: "B", Zip: "C", Phone: "123"}, pharmacy.RedeemOptionShipment, false},
		{"delivery unreachable", &ShipmentInfo{Name: "A", Street: "B", Zip: "C", City: "D"}, pharmacy.RedeemOptionDelivery, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasCompleteContactData(tt.contact, tt.option); got != tt.want {
				t.Fatalf("HasCompleteContactData() = %v, want %v", got, tt.want)
			}
		})
	}
}
