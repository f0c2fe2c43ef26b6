package scheduler

import (
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/chama/internal/observability/metrics"
)

// ItemResult is the outcome of one chama in one job. A failed item never
// affects its siblings.
type ItemResult struct {
	ChamaID   snowflake.ID `json:"chama_id"`
	OnchainID int64        `json:"onchain_id"`
	Job       string       `json:"job"`
	Outcome   string       `json:"outcome"`
	TxHash    string       `json:"tx_hash,omitempty"`
	Operation string       `json:"operation,omitempty"`
	Error     string       `json:"error,omitempty"`
	Err       error        `json:"-"`
}

func (r ItemResult) Failed() bool {
	return r.Outcome == obsmetrics.OutcomeFailed
}

type JobSummary struct {
	Job       string         `json:"job"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Outcomes  map[string]int `json:"outcomes"`
	Items     []ItemResult   `json:"items"`
}

func newJobSummary(job string, items []ItemResult) JobSummary {
	summary := JobSummary{
		Job:      job,
		Outcomes: map[string]int{},
		Items:    items,
	}
	for _, item := range items {
		summary.Processed++
		summary.Outcomes[item.Outcome]++
		if item.Failed() {
			summary.Failed++
		}
	}
	return summary
}

// BatchSummary is what one trigger did across both jobs.
type BatchSummary struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Jobs       []JobSummary `json:"jobs"`
}

func (b BatchSummary) Failed() int {
	total := 0
	for _, job := range b.Jobs {
		total += job.Failed
	}
	return total
}

// Job returns the summary for name, or a zero summary when it did not run.
func (b BatchSummary) Job(name string) JobSummary {
	for _, job := range b.Jobs {
		if job.Job == name {
			return job
		}
	}
	return JobSummary{Job: name, Outcomes: map[string]int{}}
}
