// Package erx models prescription tasks and the profiles that own them.
package erx

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus mirrors the lifecycle of a prescription task in the task
// repository.
type TaskStatus string

const (
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Patient is the insured person a task was issued for. Scanned tasks carry
// no patient data.
type Patient struct {
	Name        string
	BirthDate   string
	Phone       string
	InsuranceID string
	Street      string
	Zip         string
	City        string
}

// Task is one prescription. ID and AccessCode together authorize redemption.
type Task struct {
	ID           string
	AccessCode   string
	Status       TaskStatus
	FlowType     string
	Source       TaskSource
	Medication   string
	Patient      *Patient
	AuthoredOn   time.Time
	LastModified *time.Time
}

// TaskSource distinguishes tasks downloaded from the repository from tasks
// scanned via the data matrix code.
type TaskSource string

const (
	TaskSourceServer  TaskSource = "server"
	TaskSourceScanned TaskSource = "scanned"
)

// IsScanned reports whether the task was added by scanning, i.e. has no
// patient attached.
func (t Task) IsScanned() bool {
	return t.Patient == nil || t.Patient.Name == ""
}

// Profile groups tasks belonging to one insured person on this device.
type Profile struct {
	Identifier  uuid.UUID
	Name        string
	InsuranceID string
	Created     time.Time
	TaskIDs     []string
}

// WasAuthenticatedBefore reports whether this profile has ever completed a
// card-wall login, i.e. an insurance id has been stored.
func (p Profile) WasAuthenticatedBefore() bool {
	return p.InsuranceID != ""
}

// AuditEvent is a repository-side access log entry. The pre-profile storage
// format is obsolete and dropped during migration.
type AuditEvent struct {
	ID        string
	TaskID    string
	Text      string
	Timestamp time.Time
}

// Communication is a message exchanged with a pharmacy about an order,
// e.g. a dispense or shipment notification.
type Communication struct {
	ID          string
	OrderID     string
	TaskID      string
	TelematikID string
	Profile     uuid.UUID
	Payload     string
	Kind        CommunicationKind
	SentAt      time.Time
	IsRead      bool
}

// CommunicationKind is the direction/type of a pharmacy message.
type CommunicationKind string

const (
	CommunicationReply        CommunicationKind = "reply"
	CommunicationDispenseReq  CommunicationKind = "dispense-request"
	CommunicationShipmentInfo CommunicationKind = "shipment-info"
)
