package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"feedsync/internal/models"
	"feedsync/internal/outbox"
	"feedsync/internal/store"
)

// Built-in job ids.
const (
	JobDispatch = "outbox.dispatch"
	JobReap     = "outbox.reap"
)

// FeedPullJobID names the pull job of a feed type, e.g. feed.organization.pull.
func FeedPullJobID(ft models.FeedType) string {
	return "feed." + strings.ToLower(string(ft)) + ".pull"
}

// DispatchTask runs one dispatch cycle.
func DispatchTask(d *outbox.Dispatcher) Task {
	return func(ctx context.Context) error {
		_, err := d.RunOnce(ctx)
		return err
	}
}

// ReapTask returns stale DISPATCHING entries to PENDING.
func ReapTask(d *outbox.Dispatcher) Task {
	return func(ctx context.Context) error {
		_, err := d.Reap(ctx)
		return err
	}
}

// Enqueuer adds outbox entries.
type Enqueuer interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (models.OutboxEntry, error)
}

// FeedSource is a feed pulled on a schedule.
type FeedSource struct {
	FeedType models.FeedType
	URI      string
	Format   string
}

// ParseFeedSources reads entries of the form TYPE=uri, e.g.
// ORGANIZATION=s3://feeds/org.json. The format follows the file extension.
func ParseFeedSources(entries []string) ([]FeedSource, error) {
	out := make([]FeedSource, 0, len(entries))
	seen := map[models.FeedType]bool{}
	for _, e := range entries {
		name, uri, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(uri) == "" {
			return nil, fmt.Errorf("feed source %q: want TYPE=uri", e)
		}
		ft, err := models.ParseFeedType(name)
		if err != nil {
			return nil, fmt.Errorf("feed source %q: %w", e, err)
		}
		if seen[ft] {
			return nil, fmt.Errorf("feed source %q: %s configured twice", e, ft)
		}
		seen[ft] = true
		uri = strings.TrimSpace(uri)
		format := "json"
		if strings.EqualFold(path.Ext(uri), ".csv") {
			format = "csv"
		}
		out = append(out, FeedSource{FeedType: ft, URI: uri, Format: format})
	}
	return out, nil
}

// FeedPullTask enqueues an ingestion entry referencing src. The business
// date is the firing day in UTC.
func FeedPullTask(enq Enqueuer, src FeedSource, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		payload, err := json.Marshal(models.IngestPayload{
			FeedType:     src.FeedType,
			SourceName:   FeedPullJobID(src.FeedType),
			BusinessDate: now().UTC().Format("2006-01-02"),
			Format:       src.Format,
			SourceURI:    src.URI,
		})
		if err != nil {
			return fmt.Errorf("encode ingest payload: %w", err)
		}
		if _, err := enq.Enqueue(ctx, store.EnqueueParams{JobType: models.JobTypeFeedIngest, Payload: payload}); err != nil {
			return fmt.Errorf("enqueue %s pull: %w", src.FeedType, err)
		}
		return nil
	}
}

// Defaults are the descriptors seeded for jobs that have none.
func Defaults(dispatchSchedule, reapSchedule string, feeds []FeedSource) []models.TriggerDescriptor {
	out := []models.TriggerDescriptor{
		{JobID: JobDispatch, Enabled: true, Schedule: dispatchSchedule},
		{JobID: JobReap, Enabled: true, Schedule: reapSchedule},
	}
	for _, f := range feeds {
		// pulls start disabled until an operator sets the schedule
		out = append(out, models.TriggerDescriptor{JobID: FeedPullJobID(f.FeedType), Enabled: false, Schedule: "0 2 * * *"})
	}
	return out
}
