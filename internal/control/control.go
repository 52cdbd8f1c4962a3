package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	waTypes "go.mau.fi/whatsmeow/types"

	"github.com/gdbrns/whatsapp-companion-bridge/internal/outbound"
	"github.com/gdbrns/whatsapp-companion-bridge/internal/types"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/router"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/validation"
	pkgWhatsApp "github.com/gdbrns/whatsapp-companion-bridge/pkg/whatsapp"
)

const (
	msgNotConnected = "WhatsApp not connected"
	msgSendFailed   = "Failed to send WhatsApp message"
	msgMediaFailed  = "Failed to send WhatsApp media"
)

type StatusSource interface {
	Status() pkgWhatsApp.Status
}

type VersionSource interface {
	Status() pkgWhatsApp.VersionStatus
}

type Dispatcher interface {
	Dispatch(ctx context.Context, to waTypes.JID, content outbound.Content) (int, error)
}

// Handler serves the control-plane endpoints. It validates and delegates, nothing more.
type Handler struct {
	status     StatusSource
	versions   VersionSource
	dispatcher Dispatcher
}

// NewHandler builds the handler. versions may be nil.
func NewHandler(status StatusSource, versions VersionSource, dispatcher Dispatcher) *Handler {
	return &Handler{status: status, versions: versions, dispatcher: dispatcher}
}

// Health
// @Summary     Connection status
// @Tags        Control
// @Produce     json
// @Success     200 {object} types.ResponseHealth
// @Router      /health [get]
func (h *Handler) Health(c *fiber.Ctx) error {
	status := h.status.Status()

	resp := types.ResponseHealth{
		Status:    "ok",
		State:     string(status.State),
		Connected: status.Connected,
	}
	if !status.User.IsEmpty() {
		user := status.User.ToNonAD().String()
		resp.User = &user
	}
	if h.versions != nil {
		version := h.versions.Status()
		v := version.CurrentVersion
		resp.WAVersion = fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
		resp.WAVersionError = version.LastError
	}
	return c.JSON(resp)
}

// Send
// @Summary     Send a text message
// @Tags        Control
// @Accept      json
// @Produce     json
// @Param       body body types.RequestSend true "Target and text"
// @Success     200 {object} types.ResponseSend
// @Failure     400,503,500 {object} router.ErrorResponse
// @Router      /send [post]
func (h *Handler) Send(c *fiber.Ctx) error {
	var req types.RequestSend
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid JSON body")
	}
	if err := validation.ValidateRequired("to", req.To); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if err := validation.ValidateRequired("message", req.Message); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	to, err := pkgWhatsApp.ParseTarget(req.To)
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if !h.status.Status().Connected {
		return router.ResponseServiceUnavailable(c, msgNotConnected)
	}

	if _, err := h.dispatcher.Dispatch(c.UserContext(), to, outbound.Content{Text: req.Message}); err != nil {
		return h.sendFailed(c, msgSendFailed, err)
	}

	log.Print(c).WithField("to", log.MaskJID(to.String())).Info("Sent text via control plane")
	return router.ResponseSuccessWithData(c, types.ResponseSend{OK: true, To: to.String()})
}

// SendMedia
// @Summary     Send images and/or a voice note
// @Tags        Control
// @Accept      json
// @Produce     json
// @Param       body body types.RequestSendMedia true "Target and media URLs"
// @Success     200 {object} types.ResponseSendMedia
// @Failure     400,503,500 {object} router.ErrorResponse
// @Router      /send-media [post]
func (h *Handler) SendMedia(c *fiber.Ctx) error {
	var req types.RequestSendMedia
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid JSON body")
	}
	if err := validation.ValidateRequired("to", req.To); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	images := req.Images()
	if len(images) == 0 && req.VoiceURL == "" {
		return router.ResponseBadRequest(c, "at least one of image_url, attachments or voice_url is required")
	}
	for _, url := range images {
		if err := validation.ValidateMediaURL(url); err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
	}
	if req.VoiceURL != "" {
		if err := validation.ValidateMediaURL(req.VoiceURL); err != nil {
			return router.ResponseBadRequest(c, err.Error())
		}
	}

	to, err := pkgWhatsApp.ParseTarget(req.To)
	if err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}
	if !h.status.Status().Connected {
		return router.ResponseServiceUnavailable(c, msgNotConnected)
	}

	sent, err := h.dispatcher.Dispatch(c.UserContext(), to, outbound.Content{
		Text:     req.Caption,
		Images:   images,
		VoiceURL: req.VoiceURL,
	})
	if err != nil {
		log.Print(c).WithField("sent", sent).Warn("Media send incomplete")
		return h.sendFailed(c, msgMediaFailed, err)
	}

	log.Print(c).WithField("to", log.MaskJID(to.String())).WithField("sent", sent).Info("Sent media via control plane")
	return router.ResponseSuccessWithData(c, types.ResponseSendMedia{OK: true, To: to.String(), Sent: sent})
}

// sendFailed maps a lost connection to 503 and anything else to a generic 500.
func (h *Handler) sendFailed(c *fiber.Ctx, message string, err error) error {
	if errors.Is(err, pkgWhatsApp.ErrNotConnected) {
		return router.ResponseServiceUnavailable(c, msgNotConnected)
	}
	return router.ResponseInternalError(c, message, err)
}
