package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20099: Instance registry errors
// 20100-20199: Resource allocation & network isolation errors
// 20200-20299: Security profile errors
// 20300-20399: Sandbox runtime errors
// 20400-20499: Proxy endpoint errors
// 20500-20599: Provisioning & teardown errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Storage errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Fleet Errors (20000-20999) ==========

	// Registry (20000-20099)
	AlreadyExists     ErrorCode = 20000
	InvalidTransition ErrorCode = 20001
	InstanceNotFound  ErrorCode = 20002

	// Allocation & network (20100-20199)
	ResourceAllocationFailed ErrorCode = 20100
	NamespaceCollision       ErrorCode = 20101
	NetworkProvisionFailed   ErrorCode = 20102
	InsufficientResources    ErrorCode = 20103

	// Security (20200-20299)
	SecurityProfileApplyFailed ErrorCode = 20200

	// Runtime (20300-20399)
	RuntimeUnavailable ErrorCode = 20300
	SandboxNotFound    ErrorCode = 20301

	// Proxy (20400-20499)
	ProxyUnreachable     ErrorCode = 20400
	NoEndpointsAvailable ErrorCode = 20401
	InvalidEndpoint      ErrorCode = 20402
	EndpointInUse        ErrorCode = 20403

	// Provisioning (20500-20599)
	ProvisioningFailed     ErrorCode = 20500
	TeardownPartialFailure ErrorCode = 20501
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found",
	RecordAlreadyExists: "Record already exists",

	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Registry
	AlreadyExists:     "Instance already exists",
	InvalidTransition: "Invalid state transition",
	InstanceNotFound:  "Instance not found",

	// Allocation & network
	ResourceAllocationFailed: "Resource allocation failed",
	NamespaceCollision:       "Network namespace collision",
	NetworkProvisionFailed:   "Network provisioning failed",
	InsufficientResources:    "Insufficient host resources",

	// Security
	SecurityProfileApplyFailed: "Security profile apply failed",

	// Runtime
	RuntimeUnavailable: "Container runtime unavailable",
	SandboxNotFound:    "Sandbox not found",

	// Proxy
	ProxyUnreachable:     "Proxy endpoint unreachable",
	NoEndpointsAvailable: "No proxy endpoints available",
	InvalidEndpoint:      "Invalid proxy endpoint",
	EndpointInUse:        "Proxy endpoint bound to another instance",

	// Provisioning
	ProvisioningFailed:     "Instance provisioning failed",
	TeardownPartialFailure: "Teardown partially failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == InstanceNotFound, c == RecordNotFound, c == SandboxNotFound:
		return 404
	case c == AlreadyExists, c == InvalidTransition, c == RecordAlreadyExists, c == NamespaceCollision,
		c == EndpointInUse:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == RuntimeUnavailable, c == NoEndpointsAvailable,
		c == InsufficientResources:
		return 503
	case c == ProxyUnreachable:
		return 502
	case c == Timeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidEndpoint:
		return 400
	default:
		return 500
	}
}
