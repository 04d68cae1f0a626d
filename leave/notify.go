package leave

import "context"

// =============================================================================
// OUTBOUND COLLABORATORS - Notification and welcome payloads
// =============================================================================
//
// The engine only decides who should hear about what. Formatting and
// delivery belong to the implementations in package notify.

type Event string

const (
	EventRequestSubmitted Event = "RequestSubmitted"
	EventEscalated        Event = "Escalated"
	EventApproved         Event = "Approved"
	EventRejected         Event = "Rejected"
	EventCancelled        Event = "Cancelled"
)

// RoleEmployee addresses the requester rather than an approver.
const RoleEmployee = "employee"

type Notification struct {
	Event         Event  `json:"event"`
	RequestID     string `json:"request_id"`
	RecipientRole string `json:"recipient_role"`
	Level         int    `json:"level,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// WelcomeSender receives a resolved key-value payload when an employee
// record is created: employee_name, employee_id and company_name.
type WelcomeSender interface {
	SendWelcome(ctx context.Context, payload map[string]string) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

type NopWelcome struct{}

func (NopWelcome) SendWelcome(context.Context, map[string]string) error { return nil }

func welcomePayload(e Employee, companyName string) map[string]string {
	return map[string]string{
		"employee_name": e.Name,
		"employee_id":   string(e.ID),
		"company_name":  companyName,
	}
}
