package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/internal/store/model"
)

// operatorCommand is the control message accepted on /lab/dlq/cmd.
type operatorCommand struct {
	Action        string         `json:"action"`
	ReqID         string         `json:"req_id"`
	DLQID         string         `json:"dlq_id,omitempty"`
	OlderThanDays int            `json:"older_than_days,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
}

type operatorResponse struct {
	ReqID   string `json:"req_id"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
	TS      string `json:"ts"`
}

// HandleCommand processes one operator control message and publishes the
// response on /lab/dlq/response. Malformed control messages get an error
// response when a req_id is recoverable, otherwise they are logged.
func (q *Queue) HandleCommand(ctx context.Context, payload []byte) {
	var cmd operatorCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		q.log.WithError(err).Warn("undecodable dlq operator command")
		return
	}
	if cmd.ReqID == "" {
		q.log.Warn("dlq operator command without req_id")
		return
	}

	data, err := q.execute(ctx, &cmd)
	resp := operatorResponse{
		ReqID:   cmd.ReqID,
		Action:  cmd.Action,
		Success: err == nil,
		Data:    data,
		TS:      time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	q.respond(ctx, &resp)
}

func (q *Queue) execute(ctx context.Context, cmd *operatorCommand) (any, error) {
	switch cmd.Action {
	case "retry":
		return q.retry(ctx, cmd.DLQID)
	case "purge":
		return q.purge(ctx, cmd.OlderThanDays)
	case "stats":
		return q.store.DeadLetter().Stats(ctx)
	case "list":
		return q.list(ctx, cmd.Filters)
	default:
		return nil, fmt.Errorf("unknown dlq action %q", cmd.Action)
	}
}

// retry republishes the original payload to its original topic and bumps
// the retry count. Entries at the retry limit are refused.
func (q *Queue) retry(ctx context.Context, dlqID string) (any, error) {
	id, err := uuid.Parse(dlqID)
	if err != nil {
		return nil, fmt.Errorf("invalid dlq_id %q: %w", dlqID, err)
	}
	record, err := q.store.DeadLetter().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.RetryCount >= q.maxRetries {
		return nil, fmt.Errorf("%w: %d of %d retries used",
			lherrors.ErrRetryExhausted, record.RetryCount, q.maxRetries)
	}

	payload, err := json.Marshal(map[string]any(record.Payload))
	if err != nil {
		return nil, fmt.Errorf("re-encoding dead letter payload: %w", err)
	}
	if err := q.bus.Publish(ctx, record.OriginalTopic, payload, 1, false); err != nil {
		return nil, fmt.Errorf("republishing to %s: %w", record.OriginalTopic, err)
	}

	updated, err := q.store.DeadLetter().IncrementRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	q.log.WithField("dlq_id", dlqID).Infof("dead letter retried to %s", record.OriginalTopic)
	return map[string]any{
		"dlq_id":      dlqID,
		"topic":       record.OriginalTopic,
		"retry_count": updated.RetryCount,
	}, nil
}

func (q *Queue) purge(ctx context.Context, olderThanDays int) (any, error) {
	if olderThanDays <= 0 {
		return nil, fmt.Errorf("purge requires older_than_days > 0")
	}
	cutoff := store.RetentionCutoff(time.Now().UTC(), olderThanDays)
	purged, err := q.store.DeadLetter().PurgeBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	q.publishGauge(ctx)
	return map[string]any{"purged": purged, "cutoff": cutoff.Format(time.RFC3339)}, nil
}

func (q *Queue) list(ctx context.Context, filters map[string]any) (any, error) {
	filter := store.DeadLetterFilter{}
	if v, ok := filters["device_id"].(string); ok {
		filter.DeviceID = v
	}
	if v, ok := filters["module_name"].(string); ok {
		filter.ModuleName = v
	}
	if v, ok := filters["failure_reason"].(string); ok {
		filter.FailureReason = v
	}
	if v, ok := filters["limit"].(float64); ok {
		filter.Limit = int(v)
	}
	records, err := q.store.DeadLetter().List(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"id":             r.ID.String(),
			"original_topic": r.OriginalTopic,
			"failure_reason": r.FailureReason,
			"error":          r.ErrorMessage,
			"device_id":      r.DeviceID,
			"module_name":    r.ModuleName,
			"req_id":         r.ReqID,
			"retry_count":    r.RetryCount,
			"last_failed_at": r.LastFailedAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (q *Queue) respond(ctx context.Context, resp *operatorResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		q.log.WithError(err).Error("encoding dlq operator response")
		return
	}
	if err := q.bus.Publish(ctx, bus.TopicDLQResponse, payload, 1, false); err != nil {
		q.log.WithError(err).Warn("publishing dlq operator response")
	}
}

// Stats exposes queue statistics for the HTTP edge.
func (q *Queue) Stats(ctx context.Context) (*store.DeadLetterStats, error) {
	return q.store.DeadLetter().Stats(ctx)
}

// List exposes filtered listing for the HTTP edge.
func (q *Queue) List(ctx context.Context, filter store.DeadLetterFilter) ([]model.DeadLetter, error) {
	return q.store.DeadLetter().List(ctx, filter)
}
