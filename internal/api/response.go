package api

import (
	"github.com/gofiber/fiber/v2"
)

// Response messages
const (
	MsgInternalError      = "Internal server error"
	MsgInvalidBody        = "Invalid request body"
	MsgValidationFailed   = "Validation failed"
	MsgInvalidUserID      = "Invalid user ID"
	MsgUserNotFound       = "User not found"
	MsgTokenRequired      = "Access token is required"
	MsgInvalidToken       = "Invalid or expired token"
	MsgAuthRequired       = "Authentication required"
	MsgForbidden          = "Insufficient permissions"
	MsgInvalidCredentials = "Invalid credentials"
	MsgRoleNotAllowed     = "Only 'user' role is allowed for registration"
	MsgEmailTaken         = "User with this email already exists"
	MsgUsernameTaken      = "Username is already taken"
	MsgUserExists         = "User already exists"
	MsgNoChanges          = "No fields to update"
	MsgFetchJobsFailed    = "Failed to fetch jobs"
)

// envelope is the body every /api/users response uses.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Errors  []string    `json:"errors,omitempty"`
}

func ok(c *fiber.Ctx, status int, message string, data interface{}) error {
	return c.Status(status).JSON(envelope{Success: true, Message: message, Data: data})
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(envelope{Success: false, Message: message})
}

func invalid(c *fiber.Ctx, errs []string) error {
	return c.Status(fiber.StatusBadRequest).JSON(envelope{Success: false, Message: MsgValidationFailed, Errors: errs})
}

// errorHandler renders errors that escape a handler, including fiber's own
// 404 and 405, in the same envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := MsgInternalError
	if e, isFiber := err.(*fiber.Error); isFiber {
		status = e.Code
		message = e.Message
	}
	return fail(c, status, message)
}
