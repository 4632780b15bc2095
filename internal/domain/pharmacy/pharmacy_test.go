package pharmacy

import (
	"crypto/x509"
	"testing"
)

func TestEndpointPlaceholderSubstitution(t *testing.T) {
	endpoints := &AVSEndpoints{
		ShipmentURL: "https://avs.example.com/api/<ti_id>/order?tx=<transactionID>",
		ShipmentHdrs: map[string]string{
			"X-Authorization": "api-key",
		},
	}

	ep := endpoints.Endpoint(RedeemOptionShipment, "tx-123", "3-SMC-B-Testkarte-883110000116873")
	if ep == nil {
		t.Fatal("expected a resolved endpoint")
	}
	want := "https://avs.example.com/api/3-SMC-B-Testkarte-883110000116873/order?tx=tx-123"
	if ep.URL != want {
		t.Fatalf("url = %q, want %q", ep.URL, want)
	}
	if ep.AdditionalHeaders["X-Authorization"] != "api-key" {
		t.Fatalf("additional headers not carried over: %v", ep.AdditionalHeaders)
	}
}

func TestEndpointEscapesPlaceholderValues(t *testing.T) {
	endpoints := &AVSEndpoints{
		DeliveryURL: "https://avs.example.com/<ti_id>?tx=<transactionID>",
	}

	ep := endpoints.Endpoint(RedeemOptionDelivery, "a b&c", "id/with slash")
	if ep == nil {
		t.Fatal("expected a resolved endpoint")
	}
	want := "https://avs.example.com/id%2Fwith+slash?tx=a+b%26c"
	if ep.URL != want {
		t.Fatalf("url = %q, want %q", ep.URL, want)
	}
}

func TestEndpointReturnsNilForMissingOrInvalidURL(t *testing.T) {
	tests := []struct {
		name      string
		endpoints *AVSEndpoints
		option    RedeemOption
	}{
		{"nil endpoints", nil, RedeemOptionShipment},
		{"option not configured", &AVSEndpoints{ShipmentURL: "https://x.example"}, RedeemOptionDelivery},
		{"invalid url", &AVSEndpoints{OnPremiseURL: "not a url"}, RedeemOptionOnPremise},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ep := tt.endpoints.Endpoint(tt.option, "tx", "ti"); ep != nil {
				t.Fatalf("expected nil endpoint, got %+v", ep)
			}
		})
	}
}

func TestCapabilityPredicates(t *testing.T) {
	cert := []*x509.Certificate{{}}

	tests := []struct {
		name        string
		location    Location
		reservation bool
		delivery    bool
		shipment    bool
		avs         bool
	}{
		{
			name:     "types only",
			location: Location{Types: []Type{TypeOutpharm, TypeMobl}},
			reservation: true,
			shipment:    true,
		},
		{
			name: "endpoint without certificate is unusable",
			location: Location{
				AVSEndpoints: &AVSEndpoints{ShipmentURL: "https://x.example"},
			},
		},
		{
			name: "certificate without endpoint is unusable",
			location: Location{AVSCertificates: cert},
		},
		{
			name: "endpoint and certificate",
			location: Location{
				AVSEndpoints:    &AVSEndpoints{DeliveryURL: "https://x.example"},
				AVSCertificates: cert,
			},
			avs: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.location.HasReservationService(); got != tt.reservation {
				t.Errorf("HasReservationService() = %v, want %v", got, tt.reservation)
			}
			if got := tt.location.HasDeliveryService(); got != tt.delivery {
				t.Errorf("HasDeliveryService() = %v, want %v", got, tt.delivery)
			}
			if got := tt.location.HasShipmentService(); got != tt.shipment {
				t.Errorf("HasShipmentService() = %v, want %v", got, tt.shipment)
			}
			if got := tt.location.HasAVSService(); got != tt.avs {
				t.Errorf("HasAVSService() = %v, want %v", got, tt.avs)
			}
		})
	}
}

func TestIsErxReady(t *testing.T) {
	if !(Location{Status: StatusActive}).IsErxReady() {
		t.Error("active location must be erx ready")
	}
	if (Location{Status: StatusSuspended}).IsErxReady() {
		t.Error("suspended location must not be erx ready")
	}
}
