package server

import "github.com/gofiber/fiber/v2"

// APIError is a structured error response. Details carries the
// counts and thresholds callers need to pick a fallback path, and
// State the orchestration state the failure lands in.
type APIError struct {
	Status    int            `json:"status"`
	Code      string         `json:"code"`    // Error code: bad_request, insufficient_matches, etc.
	Message   string         `json:"message"` // Human-readable message
	State     string         `json:"state,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// newError builds a JSON error response with a request ID.
func newError(c *fiber.Ctx, status int, code, message string) error {
	reqID, _ := c.Locals("requestid").(string)
	return c.Status(status).JSON(APIError{
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: reqID,
	})
}

// newErrorWithDetails builds a JSON error response carrying fallback
// guidance for the caller.
func newErrorWithDetails(c *fiber.Ctx, status int, code, message, state string, details map[string]any) error {
	reqID, _ := c.Locals("requestid").(string)
	return c.Status(status).JSON(APIError{
		Status:    status,
		Code:      code,
		Message:   message,
		State:     state,
		Details:   details,
		RequestID: reqID,
	})
}

// errBadRequest returns a 400 error.
func errBadRequest(c *fiber.Ctx, msg string) error {
	return newError(c, 400, "bad_request", msg)
}

// errInternal returns a 500 error.
func errInternal(c *fiber.Ctx, msg string) error {
	return newError(c, 500, "internal_error", msg)
}
