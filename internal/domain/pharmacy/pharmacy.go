// Package pharmacy models pharmacy locations as listed in the telematics
// directory, including the redeem channels a pharmacy offers.
package pharmacy

import (
	"crypto/x509"
	"net/url"
	"strings"
	"time"
)

// Type classifies a pharmacy entry in the directory. A location can carry
// several types at once.
type Type string

const (
	// TypePharm is the generic pharmacy marker.
	TypePharm Type = "pharm"
	// TypeOutpharm marks brick-and-mortar pharmacies offering pickup.
	TypeOutpharm Type = "outpharm"
	// TypeMobl marks pharmacies offering mail-order shipment.
	TypeMobl Type = "mobl"
	// TypeDelivery marks pharmacies offering courier delivery.
	TypeDelivery Type = "delivery"
	// TypeEmergency marks emergency service pharmacies.
	TypeEmergency Type = "emergency"
)

// Status is the directory's operational status of a location. Only active
// locations are considered e-prescription ready.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

// Address of a pharmacy location.
type Address struct {
	Street      string
	HouseNumber string
	Zip         string
	City        string
}

// Telecom contact channels of a pharmacy.
type Telecom struct {
	Phone string
	Fax   string
	Mail  string
	Web   string
}

// AVSEndpoints holds the pharmacy's alternate-value-service URLs, one per
// redeem option. URLs may contain the placeholders <ti_id> and
// <transactionID> which are substituted per order.
type AVSEndpoints struct {
	OnPremiseURL  string
	ShipmentURL   string
	DeliveryURL   string
	OnPremiseHdrs map[string]string
	ShipmentHdrs  map[string]string
	DeliveryHdrs  map[string]string
}

// Endpoint is a fully resolved AVS target.
type Endpoint struct {
	URL               string
	AdditionalHeaders map[string]string
}

// Location is an immutable snapshot of one pharmacy, taken per redemption
// attempt.
type Location struct {
	ID              string
	TelematikID     string
	Name            string
	Types           []Type
	Status          Status
	Address         *Address
	Telecom         *Telecom
	AVSEndpoints    *AVSEndpoints
	AVSCertificates []*x509.Certificate

	// Local bookkeeping, updated when the pharmacy is used for an order.
	Created    time.Time
	LastUsed   time.Time
	CountUsage int
}

// IsErxReady reports whether the directory lists the location as active.
func (l Location) IsErxReady() bool {
	return l.Status == StatusActive
}

func (l Location) hasType(t Type) bool {
	for _, typ := range l.Types {
		if typ == t {
			return true
		}
	}
	return false
}

// HasReservationService reports native pickup support via the task
// repository channel. Authentication against the repository is required to
// use it.
func (l Location) HasReservationService() bool { return l.hasType(TypeOutpharm) }

// HasDeliveryService reports native courier delivery support via the task
// repository channel.
func (l Location) HasDeliveryService() bool { return l.hasType(TypeDelivery) }

// HasShipmentService reports native mail-order support via the task
// repository channel.
func (l Location) HasShipmentService() bool { return l.hasType(TypeMobl) }

// HasEmergencyService reports emergency service support.
func (l Location) HasEmergencyService() bool { return l.hasType(TypeEmergency) }

// An AVS channel is only usable when both the endpoint URL and at least one
// recipient certificate for encryption are present.

// HasReservationAVSService reports pickup support via the certificate-based
// AVS channel, no login required.
func (l Location) HasReservationAVSService() bool {
	return l.AVSEndpoints != nil && l.AVSEndpoints.OnPremiseURL != "" && len(l.AVSCertificates) > 0
}

// HasDeliveryAVSService reports courier delivery support via the AVS channel.
func (l Location) HasDeliveryAVSService() bool {
	return l.AVSEndpoints != nil && l.AVSEndpoints.DeliveryURL != "" && len(l.AVSCertificates) > 0
}

// HasShipmentAVSService reports mail-order support via the AVS channel.
func (l Location) HasShipmentAVSService() bool {
	return l.AVSEndpoints != nil && l.AVSEndpoints.ShipmentURL != "" && len(l.AVSCertificates) > 0
}

// HasAVSService reports whether any AVS channel is usable at all.
func (l Location) HasAVSService() bool {
	return l.HasReservationAVSService() || l.HasDeliveryAVSService() || l.HasShipmentAVSService()
}

// RedeemOption is one of the three ways a prescription can be redeemed.
type RedeemOption string

const (
	RedeemOptionOnPremise RedeemOption = "onPremise"
	RedeemOptionDelivery  RedeemOption = "delivery"
	RedeemOptionShipment  RedeemOption = "shipment"
)

// Endpoint resolves the AVS endpoint for the given redeem option,
// substituting the <ti_id> and <transactionID> placeholders. Returns nil
// when no URL is configured for the option or the result is not a valid URL.
func (e *AVSEndpoints) Endpoint(option RedeemOption, transactionID, telematikID string) *Endpoint {
	if e == nil {
		return nil
	}
	var raw string
	var hdrs map[string]string
	switch option {
	case RedeemOptionOnPremise:
		raw, hdrs = e.OnPremiseURL, e.OnPremiseHdrs
	case RedeemOptionDelivery:
		raw, hdrs = e.DeliveryURL, e.DeliveryHdrs
	case RedeemOptionShipment:
		raw, hdrs = e.ShipmentURL, e.ShipmentHdrs
	}
	if raw == "" {
		return nil
	}

	resolved := strings.NewReplacer(
		"<ti_id>", url.QueryEscape(telematikID),
		"<transactionID>", url.QueryEscape(transactionID),
	).Replace(raw)

	if _, err := url.ParseRequestURI(resolved); err != nil {
		return nil
	}
	return &Endpoint{URL: resolved, AdditionalHeaders: hdrs}
}
