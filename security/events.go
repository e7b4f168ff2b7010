package security

// Event type constants for security audit logging.
const (
	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when a client starts an authorization
	// and the user is sent to the identity provider
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when the callback completes and a code
	// is issued to the client
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventCallbackRejected is logged when the provider callback fails before a code
	// is issued (bad state, provider error, identity assertion rejected)
	EventCallbackRejected = "callback_rejected"

	// EventUserNotAuthorized is logged when a verified user is not on the allowlist
	EventUserNotAuthorized = "user_not_authorized"

	// Token lifecycle events

	// EventTokenIssued is logged when an authorization code is exchanged for tokens
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when client authentication or a grant fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier does not match
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a refresh asks for scopes beyond
	// the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventHostRejected is logged when a request carries a Host header outside the
	// allowlist
	EventHostRejected = "host_rejected"
)
