package notify

import "fmt"

// formatSubject returns the email subject line for an event type.
func formatSubject(t EventType) string {
	switch t {
	case EventSubscriptionExpired:
		return "Your subscription has expired"
	case EventSubscriptionReminder:
		return "Your subscription is expiring soon"
	default:
		return string(t)
	}
}

// formatBody returns the plain-text email body for an event.
func formatBody(event Event) string {
	switch event.Type {
	case EventSubscriptionExpired:
		return "Your subscription has expired and your agents have been stopped. " +
			"Renew to resume service."
	case EventSubscriptionReminder:
		return fmt.Sprintf("Your subscription expires in %d day(s). Renew to avoid interruption.", event.DaysLeft)
	default:
		return ""
	}
}
