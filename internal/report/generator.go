// Package report aggregates persisted enrichment results into daily and
// weekly digests.
package report

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/scrypster/chatsense/internal/nlp"
	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// Config tunes report generation.
type Config struct {
	Timezone              string  // IANA zone the report windows are anchored in
	SummaryMaxMessages    int     // messages fed to the summarizer per room, oldest first
	HighPriorityThreshold float64 // score at or above which a message counts as high priority
	TopIntents            int     // intents kept in the report tally
}

// Generator builds aggregate reports from stored messages and analyses.
type Generator struct {
	messages   storage.MessageStore
	analyses   storage.AnalysisStore
	reports    storage.ReportStore
	summarizer nlp.Summarizer
	cfg        Config
	loc        *time.Location
}

// NewGenerator creates a report generator. An unparseable timezone falls
// back to UTC with a logged warning.
func NewGenerator(messages storage.MessageStore, analyses storage.AnalysisStore, reports storage.ReportStore, summarizer nlp.Summarizer, cfg Config) *Generator {
	if cfg.SummaryMaxMessages <= 0 {
		cfg.SummaryMaxMessages = 200
	}
	if cfg.HighPriorityThreshold <= 0 {
		cfg.HighPriorityThreshold = 7.0
	}
	if cfg.TopIntents <= 0 {
		cfg.TopIntents = 5
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("WARNING: invalid report timezone %q, using UTC: %v", cfg.Timezone, err)
		loc = time.UTC
	}
	return &Generator{
		messages:   messages,
		analyses:   analyses,
		reports:    reports,
		summarizer: summarizer,
		cfg:        cfg,
		loc:        loc,
	}
}

// Window returns the [from, to) interval covered by a report. Daily reports
// span the date's local midnight to the next; weekly reports span the seven
// days ending with the given date.
func (g *Generator) Window(date string, typ types.ReportType) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, g.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid report date %q", storage.ErrInvalidInput, date)
	}
	to := day.AddDate(0, 0, 1)
	switch typ {
	case types.ReportDaily:
		return day, to, nil
	case types.ReportWeekly:
		return day.AddDate(0, 0, -6), to, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: invalid report type %q", storage.ErrInvalidInput, typ)
	}
}

// Generate builds and saves the report for a date and type, replacing any
// prior report for the same pair. A failing summarization adapter marks the
// affected room's summary as failed but never aborts the report.
func (g *Generator) Generate(ctx context.Context, date string, typ types.ReportType) (*types.DailyReport, error) {
	from, to, err := g.Window(date, typ)
	if err != nil {
		return nil, err
	}

	analyses, err := g.analyses.ListWindow(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load analyses for report: %w", err)
	}

	highByRoom := make(map[string]int)
	intents := make(map[string]int)
	var highTotal int
	for _, a := range analyses {
		if a.Intent != "" {
			intents[a.Intent]++
		}
		if a.PriorityScore != nil && *a.PriorityScore >= g.cfg.HighPriorityThreshold {
			highByRoom[a.RoomID]++
			highTotal++
		}
	}

	rooms, err := g.messages.ActiveRooms(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rooms: %w", err)
	}

	summaries := make(map[string]types.RoomSummary)
	var totalMessages int
	for _, room := range rooms {
		msgs, err := g.messages.Window(ctx, room, from, to, g.cfg.SummaryMaxMessages)
		if err != nil {
			return nil, fmt.Errorf("failed to load messages for room %s: %w", room, err)
		}
		if len(msgs) == 0 {
			continue
		}

		// The window is truncated for the summarizer; counts must cover
		// the whole period.
		count, err := g.messages.Count(ctx, room, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to count messages for room %s: %w", room, err)
		}

		participants := make(map[string]struct{})
		texts := make([]string, len(msgs))
		for i, m := range msgs {
			participants[m.Sender] = struct{}{}
			texts[i] = m.Content
		}

		summary := types.RoomSummary{
			RoomID:            room,
			MessageCount:      count,
			ParticipantCount:  len(participants),
			HighPriorityCount: highByRoom[room],
		}
		text, err := g.summarizer.Summarize(ctx, texts)
		if err != nil {
			log.Printf("WARNING: summarization failed for room %s: %v", room, err)
			summary.SummaryFailed = true
		} else {
			summary.Summary = text
		}
		summaries[room] = summary
		totalMessages += count
	}

	report := &types.DailyReport{
		ReportDate:        date,
		ReportType:        typ,
		TotalMessages:     totalMessages,
		HighPriorityCount: highTotal,
		RoomSummaries:     summaries,
		TopIntents:        topIntents(intents, g.cfg.TopIntents),
		GeneratedAt:       time.Now().UTC(),
	}
	if err := g.reports.Save(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}
	return report, nil
}

// topIntents keeps the n highest intent counts, ties broken by intent name
// so regeneration over unchanged data is byte-identical.
func topIntents(counts map[string]int, n int) map[string]int {
	type tally struct {
		intent string
		count  int
	}
	all := make([]tally, 0, len(counts))
	for intent, count := range counts {
		all = append(all, tally{intent: intent, count: count})
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].count != all[b].count {
			return all[a].count > all[b].count
		}
		return all[a].intent < all[b].intent
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make(map[string]int, len(all))
	for _, t := range all {
		out[t.intent] = t.count
	}
	return out
}
