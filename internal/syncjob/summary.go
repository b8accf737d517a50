package syncjob

import (
	"encoding/json"
	"time"

	"github.com/hitoshi/datasync/internal/driver"
	"github.com/hitoshi/datasync/internal/model"
	"github.com/hitoshi/datasync/internal/reconcile"
)

// maxSummaryEntries は結果に残すアイテムごとの記録の上限。
const maxSummaryEntries = 200

// Summary はsync_resultsに保存するジョブ結果。
type Summary struct {
	Status        string `json:"status"`
	Files         int    `json:"files"`
	New           int    `json:"new"`
	Updated       int    `json:"updated"`
	Uploaded      int    `json:"uploaded"`
	Deleted       int    `json:"deleted"`
	Skipped       int    `json:"skipped"`
	Failed        int    `json:"failed"`
	BytesUploaded int64  `json:"bytes_uploaded"`

	Containers        int      `json:"containers"`
	FailedContainers  int      `json:"failed_containers"`
	ContainerFailures []string `json:"container_failures,omitempty"`

	APICalls      int64 `json:"api_calls"`
	RateLimitHits int64 `json:"rate_limit_hits"`

	DurationMS int64  `json:"duration_ms"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`

	Entries   []reconcile.Entry `json:"entries,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`

	Error     string `json:"error,omitempty"`
	ReauthURL string `json:"reauth_url,omitempty"`
}

// JSON はSummaryをエンコードする。
func (s *Summary) JSON() (json.RawMessage, error) {
	return json.Marshal(s)
}

func (o *Orchestrator) summarize(status model.SyncStatus, startedAt time.Time, client JobClient, listing *driver.Listing, result *reconcile.Result) *Summary {
	finishedAt := o.now()
	s := &Summary{
		Status:     string(status),
		DurationMS: finishedAt.Sub(startedAt).Milliseconds(),
		StartedAt:  startedAt.UTC().Format(time.RFC3339Nano),
		FinishedAt: finishedAt.UTC().Format(time.RFC3339Nano),
	}
	if client != nil {
		s.APICalls = client.Calls()
		s.RateLimitHits = client.RateLimitHits()
	}
	if listing != nil {
		s.Files = len(listing.Items)
		s.Containers = listing.Containers
		s.FailedContainers = listing.FailedContainers
		s.ContainerFailures = listing.Failures
	}
	if result != nil {
		s.New = result.New
		s.Updated = result.Updated
		s.Uploaded = result.Uploaded()
		s.Deleted = result.Deleted
		s.Skipped = result.Skipped
		s.Failed = result.Failed
		s.BytesUploaded = result.BytesUploaded
		s.Entries = result.Entries
		if len(s.Entries) > maxSummaryEntries {
			s.Entries = s.Entries[:maxSummaryEntries]
			s.Truncated = true
		}
	}
	return s
}
