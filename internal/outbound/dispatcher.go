package outbound

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/types"
	"golang.org/x/time/rate"

	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

// Sender performs the individual WhatsApp sends.
type Sender interface {
	SendText(ctx context.Context, to types.JID, text string) error
	SendImage(ctx context.Context, to types.JID, url string, caption string) error
	SendAudio(ctx context.Context, to types.JID, url string, mimetype string, ptt bool) error
}

type Dispatcher struct {
	sender  Sender
	limiter *rate.Limiter
}

// NewDispatcher paces sends at perSecond (0 disables pacing).
func NewDispatcher(sender Sender, perSecond float64, burst int) *Dispatcher {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		sender:  sender,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Dispatch executes Plan(content) towards to. A failed send is logged and the
// remaining directives still run; the joined failures are returned with the sent count.
func (d *Dispatcher) Dispatch(ctx context.Context, to types.JID, content Content) (int, error) {
	directives := Plan(content)
	if len(directives) == 0 {
		log.Print(nil).WithField("to", log.MaskJID(to.String())).Debug("Nothing to send")
		return 0, nil
	}

	sent := 0
	var errs []error
	for i, directive := range directives {
		if err := d.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		err := d.send(ctx, to, directive)
		if err != nil {
			log.Print(nil).
				WithError(err).
				WithField("to", log.MaskJID(to.String())).
				WithField("kind", string(directive.Kind)).
				WithField("index", i).
				Error("Failed to send WhatsApp message")
			errs = append(errs, fmt.Errorf("%s #%d: %w", directive.Kind, i, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, to types.JID, directive Directive) error {
	switch directive.Kind {
	case KindImage:
		return d.sender.SendImage(ctx, to, directive.URL, directive.Caption)
	case KindAudio:
		return d.sender.SendAudio(ctx, to, directive.URL, directive.Audio.Mimetype, directive.Audio.PTT)
	default:
		return d.sender.SendText(ctx, to, directive.Text)
	}
}
