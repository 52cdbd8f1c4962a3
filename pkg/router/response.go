package router

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func logSuccess(c *fiber.Ctx, code int) {
	log.Print(c).Info(fmt.Sprintf("%d %v", code, http.StatusText(code)))
}

func logError(c *fiber.Ctx, code int, message string) {
	statusMessage := http.StatusText(code)

	if statusMessage == message {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, statusMessage))
	} else {
		log.Print(c).Error(fmt.Sprintf("%d %v", code, message))
	}
}

func ResponseSuccessWithData(c *fiber.Ctx, data interface{}) error {
	logSuccess(c, http.StatusOK)
	return c.Status(http.StatusOK).JSON(data)
}

func ResponseNoContent(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusNoContent)
}

func ResponseError(c *fiber.Ctx, code int, message string) error {
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(code)
	}
	logError(c, code, message)
	return c.Status(code).JSON(ErrorResponse{Error: message})
}

func ResponseBadRequest(c *fiber.Ctx, message string) error {
	return ResponseError(c, http.StatusBadRequest, message)
}

func ResponseUnauthorized(c *fiber.Ctx, message string) error {
	c.Set("WWW-Authenticate", `Bearer realm="whatsapp-companion-bridge"`)
	return ResponseError(c, http.StatusUnauthorized, message)
}

func ResponseNotFound(c *fiber.Ctx, message string) error {
	return ResponseError(c, http.StatusNotFound, message)
}

func ResponseServiceUnavailable(c *fiber.Ctx, message string) error {
	return ResponseError(c, http.StatusServiceUnavailable, message)
}

// ResponseInternalError logs cause with the request context and answers with the generic message only.
func ResponseInternalError(c *fiber.Ctx, message string, cause error) error {
	if cause != nil {
		log.Print(c).WithError(cause).Error("Request failed")
	}
	return ResponseError(c, http.StatusInternalServerError, message)
}
