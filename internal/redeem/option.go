// Package redeem implements the pharmacy redemption engine: resolving which
// redeem channel is usable per pharmacy, building order requests, validating
// contact input and submitting orders through the resolved transport.
package redeem

import (
	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

// ServiceOption is the resolved transport for one redeem option.
type ServiceOption string

const (
	// NoService means neither channel is usable for this option.
	NoService ServiceOption = "noService"
	// ServiceAVS means only the certificate-based AVS channel is usable.
	ServiceAVS ServiceOption = "avs"
	// ServiceTaskRepositoryAvailable means the task repository channel would
	// be usable after the user logs in.
	ServiceTaskRepositoryAvailable ServiceOption = "erxTaskRepositoryAvailable"
	// ServiceTaskRepository means the task repository channel is usable now.
	ServiceTaskRepository ServiceOption = "erxTaskRepository"
)

// HasService reports whether the option can be offered to the user at all.
func (s ServiceOption) HasService() bool { return s != NoService }

// OptionProvider resolves the transport for each redeem option of one
// pharmacy snapshot. Resolution is a pure function of the snapshot and the
// profile's prior authentication state; it never fails, absence of a channel
// degrades to NoService.
type OptionProvider struct {
	WasAuthenticatedBefore bool
	Pharmacy               pharmacy.Location
}

// NewOptionProvider builds a provider for the given pharmacy snapshot.
func NewOptionProvider(wasAuthenticatedBefore bool, p pharmacy.Location) OptionProvider {
	return OptionProvider{WasAuthenticatedBefore: wasAuthenticatedBefore, Pharmacy: p}
}

// ReservationService resolves the on-premise pickup option.
func (o OptionProvider) ReservationService() ServiceOption {
	return o.resolve(o.Pharmacy.HasReservationAVSService(), o.Pharmacy.HasReservationService())
}

// DeliveryService resolves the courier delivery option.
func (o OptionProvider) DeliveryService() ServiceOption {
	return o.resolve(o.Pharmacy.HasDeliveryAVSService(), o.Pharmacy.HasDeliveryService())
}

// ShipmentService resolves the mail-order shipment option.
func (o OptionProvider) ShipmentService() ServiceOption {
	return o.resolve(o.Pharmacy.HasShipmentAVSService(), o.Pharmacy.HasShipmentService())
}

// resolve applies the channel precedence. A pharmacy that exposes any usable
// AVS endpoint advertises its offering exclusively through AVS: only options
// with their own AVS endpoint are available, served via AVS when logged out
// and via the task repository once the profile has authenticated. Pharmacies
// without AVS fall back to their native task repository capabilities, gated
// by login.
func (o OptionProvider) resolve(hasAVSOption, hasTIOption bool) ServiceOption {
	if o.Pharmacy.HasAVSService() {
		if !hasAVSOption {
			return NoService
		}
		if o.WasAuthenticatedBefore {
			return ServiceTaskRepository
		}
		return ServiceAVS
	}
	if !hasTIOption {
		return NoService
	}
	if o.WasAuthenticatedBefore {
		return ServiceTaskRepository
	}
	return ServiceTaskRepositoryAvailable
}

// AvailableOptions returns the redeem options that resolved to a usable
// service, in reservation/delivery/shipment order.
func (o OptionProvider) AvailableOptions() []pharmacy.RedeemOption {
	var opts []pharmacy.RedeemOption
	if o.ReservationService().HasService() {
		opts = append(opts, pharmacy.RedeemOptionOnPremise)
	}
	if o.DeliveryService().HasService() {
		opts = append(opts, pharmacy.RedeemOptionDelivery)
	}
	if o.ShipmentService().HasService() {
		opts = append(opts, pharmacy.RedeemOptionShipment)
	}
	return opts
}

// ServiceFor returns the resolved service for a single redeem option.
func (o OptionProvider) ServiceFor(option pharmacy.RedeemOption) ServiceOption {
	switch option {
	case pharmacy.RedeemOptionOnPremise:
		return o.ReservationService()
	case pharmacy.RedeemOptionDelivery:
		return o.DeliveryService()
	case pharmacy.RedeemOptionShipment:
		return o.ShipmentService()
	}
	return NoService
}
