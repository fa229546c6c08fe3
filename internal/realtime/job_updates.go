package realtime

import (
	"sheetsync/internal/events"
	"sheetsync/internal/models"

	"github.com/rs/zerolog"
)

// ForwardJobEvents pushes job lifecycle events to the subscribers of the
// job's sheet as job_update frames. Jobs without a sheet are not pushed.
func ForwardJobEvents(bus *events.EventBus, b *Broadcaster, logger *zerolog.Logger) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	bus.Subscribe(func(e *events.Event) error {
		payload, err := events.DecodeJobEvent(e)
		if err != nil {
			return err
		}
		if payload.SheetID == "" {
			return nil
		}

		msg := models.JobUpdateMessage{
			Type:    models.MessageJobUpdate,
			SheetID: payload.SheetID,
			Job: models.JobNotice{
				ID:     payload.JobID,
				Type:   payload.JobType,
				Status: payload.Status,
				Error:  payload.Error,
			},
		}
		n, err := b.Publish(payload.SheetID, msg)
		if err != nil {
			return err
		}
		logger.Debug().
			Str("job_id", payload.JobID).
			Str("status", payload.Status).
			Int("delivered", n).
			Msg("Job update pushed")
		return nil
	}, events.JobEvents...)
}
