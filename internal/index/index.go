package index

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-companion-bridge/internal/notify"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/types"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/router"
)

// Index
// @Summary     Show The Status of The Server
// @Tags        Root
// @Produce     json
// @Success     200 {object} types.ResponseIndex
// @Router      / [get]
func Index(c *fiber.Ctx) error {
	return router.ResponseSuccessWithData(c, types.ResponseIndex{
		Status:  "ok",
		Service: notify.ServiceName,
	})
}
