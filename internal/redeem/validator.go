package redeem

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
)

// Validity is the outcome of an input validation.
type Validity struct {
	Valid   bool
	Message string
}

func valid() Validity { return Validity{Valid: true} }

func invalid(format string, a ...any) Validity {
	return Validity{Message: fmt.Sprintf(format, a...)}
}

// InputValidator checks user-entered contact data against the constraints of
// one redeem channel before any network activity happens.
type InputValidator interface {
	Service() ServiceOption
	Validate(contact *ShipmentInfo, option pharmacy.RedeemOption) Validity
}

// ValidatorFor returns the validator matching the resolved service, or nil
// when the service cannot redeem at all.
func ValidatorFor(service ServiceOption) InputValidator {
	switch service {
	case ServiceAVS:
		return AVSValidator{}
	case ServiceTaskRepository, ServiceTaskRepositoryAvailable:
		return TaskOrderValidator{}
	}
	return nil
}

var (
	phonePattern = regexp.MustCompile(`^\+?[0-9 ()/\-]{3,25}$`)
	mailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

func checkPhone(phone string) Validity {
	if phone == "" || phonePattern.MatchString(phone) {
		return valid()
	}
	return invalid("phone number is invalid")
}

func checkMail(mail string) Validity {
	if mail == "" || mailPattern.MatchString(mail) {
		return valid()
	}
	return invalid("mail address is invalid")
}

func checkLen(field, value string, max int) Validity {
	if utf8.RuneCountInString(value) <= max {
		return valid()
	}
	return invalid("%s must not exceed %d characters", field, max)
}

// Delivery and shipment need at least one way to reach the customer.
func checkReachable(option pharmacy.RedeemOption, phone, mail string) Validity {
	if option == pharmacy.RedeemOptionOnPremise {
		return valid()
	}
	if phone != "" || mail != "" {
		return valid()
	}
	return invalid("phone number or mail address is required for delivery and shipment")
}

// AVSValidator enforces the constraints of the alternate-value-service
// message format (gemF_eRp_altern_Zuweisung, A_22784).
type AVSValidator struct{}

const (
	avsMaxNameLength    = 50
	avsMaxAddressLength = 50
	avsMaxHintLength    = 500
)

// Service implements InputValidator.
func (AVSValidator) Service() ServiceOption { return ServiceAVS }

// Validate implements InputValidator.
func (AVSValidator) Validate(contact *ShipmentInfo, option pharmacy.RedeemOption) Validity {
	if contact == nil {
		contact = &ShipmentInfo{}
	}
	checks := []Validity{
		checkLen("name", contact.Name, avsMaxNameLength),
		checkLen("street", contact.Street, avsMaxAddressLength),
		checkLen("zip", contact.Zip, avsMaxAddressLength),
		checkLen("city", contact.City, avsMaxAddressLength),
		checkLen("delivery hint", contact.DeliveryHint, avsMaxHintLength),
		checkPhone(contact.Phone),
		checkMail(contact.Mail),
		checkReachable(option, contact.Phone, contact.Mail),
	}
	for _, c := range checks {
		if !c.Valid {
			return c
		}
	}
	return valid()
}

// TaskOrderValidator enforces the constraints of task repository orders
// (gemILF_PS_eRp).
type TaskOrderValidator struct{}

const (
	taskOrderMaxNameLength    = 100
	taskOrderMaxAddressLength = 50
	taskOrderMaxHintLength    = 500
)

// Service implements InputValidator.
func (TaskOrderValidator) Service() ServiceOption { return ServiceTaskRepository }

// Validate implements InputValidator.
func (TaskOrderValidator) Validate(contact *ShipmentInfo, option pharmacy.RedeemOption) Validity {
	if contact == nil {
		contact = &ShipmentInfo{}
	}
	checks := []Validity{
		checkLen("name", contact.Name, taskOrderMaxNameLength),
		checkLen("street", contact.Street, taskOrderMaxAddressLength),
		checkLen("zip", contact.Zip, taskOrderMaxAddressLength),
		checkLen("city", contact.City, taskOrderMaxAddressLength),
		checkLen("delivery hint", contact.DeliveryHint, taskOrderMaxHintLength),
		checkPhone(contact.Phone),
		checkMail(contact.Mail),
		checkReachable(option, contact.Phone, contact.Mail),
	}
	for _, c := range checks {
		if !c.Valid {
			return c
		}
	}
	return valid()
}

// HasCompleteContactData reports whether enough contact data exists to
// enable the redeem action for the given option. Pickup needs none;
// delivery and shipment need a full address and a reachable customer.
func HasCompleteContactData(contact *ShipmentInfo, option pharmacy.RedeemOption) bool {
	if option == pharmacy.RedeemOptionOnPremise {
		return true
	}
	if contact == nil {
		return false
	}
	return contact.Name != "" && contact.Street != "" && contact.Zip != "" &&
		contact.City != "" && (contact.Phone != "" || contact.Mail != "")
}
