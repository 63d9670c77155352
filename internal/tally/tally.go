// Package tally tells cameras whether they are on air. Cameras that receive
// camera_connect_program show a recording indicator until the matching
// camera_disconnect_program arrives.
package tally

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"lancam/internal/domain"
)

// Notifier derives tally messages from live-source transitions. It keeps no
// state of its own; callers hand it the previous and next source per slot.
type Notifier struct {
	signaler domain.Signaler
	log      zerolog.Logger
	sent     metric.Int64Counter
}

func New(signaler domain.Signaler) *Notifier {
	meter := otel.Meter("lancam/tally")
	sent, _ := meter.Int64Counter("tally.messages",
		metric.WithDescription("Tally notifications sent to cameras"))
	return &Notifier{
		signaler: signaler,
		log:      log.With().Str("component", "tally").Logger(),
		sent:     sent,
	}
}

// Switch notifies the sources affected by one live transition. Either id may
// be empty; equal ids mean nothing changed and nothing is sent.
func (n *Notifier) Switch(oldID, newID string) {
	if oldID == newID {
		return
	}
	if oldID != "" {
		n.signaler.SendDisconnectProgram(oldID)
		n.sent.Add(context.Background(), 1)
		n.log.Info().Str("source", oldID).Msg("tally off air")
	}
	if newID != "" {
		n.signaler.SendConnectProgram(newID)
		n.sent.Add(context.Background(), 1)
		n.log.Info().Str("source", newID).Msg("tally on air")
	}
}
