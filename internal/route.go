package internal

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/auth"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/router"

	ctlControl "github.com/gdbrns/whatsapp-companion-bridge/internal/control"
	ctlIndex "github.com/gdbrns/whatsapp-companion-bridge/internal/index"
)

func Routes(app *fiber.App, status ctlControl.StatusSource, versions ctlControl.VersionSource, dispatcher ctlControl.Dispatcher, jwtSecret string) {
	control := ctlControl.NewHandler(status, versions, dispatcher)

	// Route for Index
	// ---------------------------------------------
	app.Get(router.Path("/"), ctlIndex.Index)
	if router.BaseURL != "" {
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// Route for Health
	// ---------------------------------------------
	app.Get(router.Path("/health"), control.Health)

	// Route for Sending
	// ---------------------------------------------
	bearer := auth.BearerAuth(jwtSecret)
	app.Post(router.Path("/send"), bearer, control.Send)
	app.Post(router.Path("/send-media"), bearer, control.SendMedia)
}
