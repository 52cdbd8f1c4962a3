package router

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// HttpErrorHandler answers errors escaping handlers. Only fiber errors keep their message.
func HttpErrorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return ResponseError(c, fiberErr.Code, fiberErr.Message)
	}
	return ResponseInternalError(c, "", err)
}
