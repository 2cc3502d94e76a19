package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// Synthetic message ID prefixes for window-scoped tasks. Report tasks carry
// "report:<type>:<date>" and Q&A extraction tasks "qa:<room>:<unixStart>",
// which doubles as the idempotency key for scheduled triggers.
const (
	reportTaskPrefix = "report:"
	qaTaskPrefix     = "qa:"
)

// worker polls the queue and processes one claimed task at a time.
func (e *Engine) worker(ctx context.Context, workerID int) {
	defer e.workerWaitGroup.Done()

	id := fmt.Sprintf("worker-%d", workerID)
	log.Printf("Worker %d started", workerID)

	for {
		task, err := e.stores.Tasks.ClaimNext(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				select {
				case <-ctx.Done():
					log.Printf("Worker %d stopped", workerID)
					return
				case <-time.After(e.cfg.PollInterval):
				}
				continue
			}
			if ctx.Err() != nil {
				log.Printf("Worker %d stopped", workerID)
				return
			}
			log.Printf("WARNING: worker %d claim failed: %v", workerID, err)
			select {
			case <-ctx.Done():
				log.Printf("Worker %d stopped", workerID)
				return
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		e.processTask(ctx, workerID, task)

		select {
		case <-ctx.Done():
			log.Printf("Worker %d stopped", workerID)
			return
		default:
		}
	}
}

// processTask runs the handler for one claimed task and settles it as
// completed or failed. Database settlement uses a background context so a
// shutdown mid-task never strands an in_progress row until lease expiry.
func (e *Engine) processTask(ctx context.Context, workerID int, task *types.Task) {
	log.Printf("Worker %d processing %s task %s for message %s (attempt %d)",
		workerID, task.Type, task.ID, task.MessageID, task.RetryCount)

	err := e.dispatch(ctx, task)
	dbCtx := context.Background()

	if err != nil {
		policy := e.cfg.RetryPolicy
		if errors.Is(err, storage.ErrInvalidInput) {
			// Malformed input cannot succeed on a later attempt.
			policy.MaxRetries = 0
		}
		failed, failErr := e.stores.Tasks.Fail(dbCtx, task.ID, err.Error(), policy)
		if failErr != nil {
			log.Printf("ERROR: worker %d could not record failure for task %s: %v", workerID, task.ID, failErr)
			return
		}
		if failed.Status == types.StatusDead {
			log.Printf("WARNING: task %s (%s, message %s) is dead after %d attempts: %v",
				task.ID, task.Type, task.MessageID, failed.RetryCount, err)
		} else {
			log.Printf("Worker %d task %s failed, retry %d at %s: %v",
				workerID, task.ID, failed.RetryCount, failed.AvailableAt.Format(time.RFC3339), err)
		}
		return
	}

	if err := e.stores.Tasks.Complete(dbCtx, task.ID); err != nil {
		log.Printf("ERROR: worker %d could not complete task %s: %v", workerID, task.ID, err)
		return
	}
	if e.onTaskComplete != nil {
		e.onTaskComplete(task)
	}
}

func (e *Engine) dispatch(ctx context.Context, task *types.Task) error {
	switch task.Type {
	case types.TaskClassify:
		return e.runClassify(ctx, task)
	case types.TaskEmbed:
		return e.runEmbed(ctx, task)
	case types.TaskExtractQA:
		return e.runExtractQA(ctx, task)
	case types.TaskSummarizeBatch:
		return e.runSummarizeBatch(ctx, task)
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

// runClassify invokes the intent classifier, scores the result, and writes
// the classify-owned analysis fields.
func (e *Engine) runClassify(ctx context.Context, task *types.Task) error {
	msg, err := e.stores.Messages.Get(ctx, task.MessageID)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}

	intent, confidence, err := e.adapters.Classifier.Classify(ctx, msg.Content)
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}

	score, keywords := e.scorer.Score(intent, msg.Content)
	log.Printf("Classified message %s as %s (confidence %.2f, priority %.1f)",
		msg.ID, intent, confidence, score)

	return e.stores.Analyses.UpsertClassification(ctx, &types.MessageAnalysis{
		MessageID:       msg.ID,
		RoomID:          msg.RoomID,
		Sender:          msg.Sender,
		Content:         msg.Content,
		Intent:          intent,
		PriorityScore:   &score,
		UrgencyKeywords: keywords,
		ProcessedAt:     time.Now().UTC(),
	})
}

// runEmbed generates the embedding, persists it, and upserts it into the
// live index.
func (e *Engine) runEmbed(ctx context.Context, task *types.Task) error {
	msg, err := e.stores.Messages.Get(ctx, task.MessageID)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}

	vec, err := e.adapters.Embedder.Embed(ctx, msg.Content)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	if err := e.stores.Embeddings.Store(ctx, msg.ID, msg.RoomID, vec); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	if err := e.index.Upsert(msg.ID, msg.RoomID, vec, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to index embedding: %w", err)
	}
	return nil
}

// runExtractQA extracts question/answer candidates from the task's room
// window and proposes each to the knowledge aggregator.
func (e *Engine) runExtractQA(ctx context.Context, task *types.Task) error {
	start, err := parseQATaskID(task.MessageID)
	if err != nil {
		return err
	}

	msgs, err := e.stores.Messages.Window(ctx, task.RoomID, start, start.Add(e.cfg.ExtractWindow), 0)
	if err != nil {
		return fmt.Errorf("failed to load extraction window: %w", err)
	}
	if len(msgs) < 2 {
		return nil
	}

	candidates, err := e.adapters.Extractor.ExtractPairs(ctx, msgs)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	for _, cand := range candidates {
		if _, _, err := e.agg.Propose(ctx, task.RoomID, cand); err != nil {
			return fmt.Errorf("failed to aggregate candidate: %w", err)
		}
	}
	if len(candidates) > 0 {
		log.Printf("Extracted %d Q&A candidates from room %s window starting %s",
			len(candidates), task.RoomID, start.Format(time.RFC3339))
	}
	return nil
}

// runSummarizeBatch generates the report named by the synthetic task ID.
func (e *Engine) runSummarizeBatch(ctx context.Context, task *types.Task) error {
	typ, date, err := parseReportTaskID(task.MessageID)
	if err != nil {
		return err
	}
	if _, err := e.reports.Generate(ctx, date, typ); err != nil {
		return fmt.Errorf("report generation failed: %w", err)
	}
	log.Printf("Generated %s report for %s", typ, date)
	return nil
}

func qaTaskID(roomID string, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%d", qaTaskPrefix, roomID, windowStart.Unix())
}

// parseQATaskID recovers the window start from "qa:<room>:<unixStart>".
// The room may itself contain colons, so the timestamp is the last segment.
func parseQATaskID(id string) (time.Time, error) {
	if !strings.HasPrefix(id, qaTaskPrefix) {
		return time.Time{}, fmt.Errorf("%w: malformed qa task id %q", storage.ErrInvalidInput, id)
	}
	idx := strings.LastIndex(id, ":")
	unix, err := strconv.ParseInt(id[idx+1:], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed qa task id %q", storage.ErrInvalidInput, id)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func reportTaskID(typ types.ReportType, date string) string {
	return fmt.Sprintf("%s%s:%s", reportTaskPrefix, typ, date)
}

// parseReportTaskID recovers type and date from "report:<type>:<date>".
func parseReportTaskID(id string) (types.ReportType, string, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[0]+":" != reportTaskPrefix {
		return "", "", fmt.Errorf("%w: malformed report task id %q", storage.ErrInvalidInput, id)
	}
	typ := types.ReportType(parts[1])
	if !typ.Valid() {
		return "", "", fmt.Errorf("%w: malformed report task id %q", storage.ErrInvalidInput, id)
	}
	return typ, parts[2], nil
}
