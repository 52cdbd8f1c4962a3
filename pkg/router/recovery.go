package router

import (
	"fmt"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

// RecoveryMiddleware converts panics into a 500 JSON response and logs them.
// It must be registered before application routes.
func RecoveryMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Print(c).WithField("stack", string(debug.Stack())).Error(fmt.Sprintf("panic recovered: %v", rec))
				err = ResponseError(c, fiber.StatusInternalServerError, "")
			}
		}()
		return c.Next()
	}
}
