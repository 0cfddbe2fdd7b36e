package bus

// Canonical stream names. Exact names are configurable; these are the
// defaults the platform agents agree on.
const (
	StreamHomeownerProjects   = "homeowner:projects"
	StreamIntakeComplete      = "homeowner:intake_complete"
	StreamScopeComplete       = "homeowner:scope_complete"
	StreamMessages            = "messages:outbound"
	StreamDelivered           = "messages:delivered"
	StreamSecurityViolations  = "security:violations"
	StreamPaymentTransactions = "payment:transactions"
	StreamReleases            = "release:grants"
	StreamNotifications       = "notifications:user_warnings"
	StreamEmergency           = "system:emergency"
)

// Event types shared across the swarm.
const (
	TypeProjectSubmitted  = "project_submitted"
	TypeIntakeComplete    = "intake_complete"
	TypeScopeComplete     = "scope_complete"
	TypeMessageSubmitted  = "message_submitted"
	TypeMessageDelivered  = "message_delivered"
	TypeMessageWithheld   = "message_withheld"
	TypeContactViolation  = "contact_violation"
	TypeEscalationChanged = "escalation_changed"
	TypePaymentConfirmed  = "payment_confirmed"
	TypeContactReleased   = "contact_released"
	TypeGrantRevoked      = "grant_revoked"
	TypeCostLimitExceeded = "cost_limit_exceeded"
	TypeBreakerTripped    = "circuit_breaker_tripped"
	TypeBreakerReset      = "circuit_breaker_reset"
	TypeSecurityAlert     = "security_alert"
	TypeDeadLetter        = "dead_letter"
)
