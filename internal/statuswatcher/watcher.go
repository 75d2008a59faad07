// Package statuswatcher consumes device-reported action status updates
// from the communication channel's queue and applies them to the persisted
// actions. It runs independently of and at a higher frequency than the
// evaluation tick; the evaluator only ever observes what is committed here.
package statuswatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/hawkbit/rollout-engine/internal/models"
)

type ActionStatusStore interface {
	AppendActionStatus(
		ctx context.Context,
		actionID int64,
		status models.ActionStatus,
		message string,
		occurredAt time.Time,
	) (bool, error)
}

// messageSource is the part of kafka.Reader the watcher loop uses.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type StatusWatcher struct {
	msgReader messageSource
	actions   ActionStatusStore
}

func NewStatusWatcher(nodeID, addr, topic string, actions ActionStatusStore) *StatusWatcher {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{addr},
		Topic:       topic,
		MaxBytes:    10 * 1024 * 1024,
		GroupID:     nodeID,
		StartOffset: kafka.LastOffset,
	})
	return &StatusWatcher{
		msgReader: reader,
		actions:   actions,
	}
}

func (w *StatusWatcher) Run(ctx context.Context) error {
	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Error().Err(err).Msg("failed to fetch status report")
			continue
		}
		report := statusReport{}
		err = json.Unmarshal(msg.Value, &report)
		if err != nil {
			log.Error().Err(err).Msg("failed to decode status report from json")
			_ = w.msgReader.CommitMessages(ctx, msg)
			continue
		}

		status := parseStatus(report.Status)
		if status == models.ActionStatusUnknown {
			log.Error().Msgf("unknown status %q reported for action %d, skip", report.Status, report.ActionID)
			_ = w.msgReader.CommitMessages(ctx, msg)
			continue
		}

		applied, err := w.actions.AppendActionStatus(
			ctx,
			report.ActionID,
			status,
			report.Message,
			time.UnixMilli(report.TsMs),
		)
		if err != nil {
			// Not committed: the report is redelivered and the append
			// stays safe to repeat.
			log.Error().Err(err).Msgf("failed to apply status %s to action %d", status, report.ActionID)
			continue
		}
		if applied {
			log.Info().Msgf("action %d moved to %s by device report", report.ActionID, status)
		}
		err = w.msgReader.CommitMessages(ctx, msg)
		if err != nil {
			log.Error().Err(err).Msg("failed to commit message: it will be doubled")
		}
	}
}

func (w *StatusWatcher) Close() error {
	return w.msgReader.Close()
}

type statusReport struct {
	ActionID int64  `json:"action_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	TsMs     int64  `json:"ts_ms"`
}

func parseStatus(s string) models.ActionStatus {
	switch s {
	case "scheduled":
		return models.ActionStatusScheduled
	case "running":
		return models.ActionStatusRunning
	case "download":
		return models.ActionStatusDownload
	case "retrieved":
		return models.ActionStatusRetrieved
	case "warning":
		return models.ActionStatusWarning
	case "finished":
		return models.ActionStatusFinished
	case "error":
		return models.ActionStatusError
	case "canceled":
		return models.ActionStatusCanceled
	case "cancel_rejected":
		return models.ActionStatusCancelRejected
	}
	return models.ActionStatusUnknown
}
