package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/checkin-nexus/internal/orchestrator"
)

// ReasonCancelled marks accounts a cancelled cycle never reached.
const ReasonCancelled = "cancelled"

// CycleReport summarizes one cycle. Results keep the snapshot order.
type CycleReport struct {
	RunID        string                `json:"run_id"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at"`
	Results      []orchestrator.Result `json:"results"`
	SuccessCount int                   `json:"success_count"`
	TotalCount   int                   `json:"total_count"`
}

func (r CycleReport) FailureCount() int {
	return r.TotalCount - r.SuccessCount
}

// Failures returns the failed results in snapshot order.
func (r CycleReport) Failures() []orchestrator.Result {
	var out []orchestrator.Result
	for _, res := range r.Results {
		if !res.Succeeded {
			out = append(out, res)
		}
	}
	return out
}

// Summary renders the notification body listing every failed account.
func (r CycleReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[时间] %s\n\n", r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	b.WriteString("[统计] 签到结果:\n")
	fmt.Fprintf(&b, "✅ 成功: %d/%d\n", r.SuccessCount, r.TotalCount)
	fmt.Fprintf(&b, "❌ 失败: %d/%d\n", r.FailureCount(), r.TotalCount)

	failures := r.Failures()
	if len(failures) > 0 {
		b.WriteString("\n[失败账号]:\n")
		for _, res := range failures {
			fmt.Fprintf(&b, "\n❌ %s: %s", res.DisplayName, failureText(res))
		}
	}
	return b.String()
}

// AccountNotice renders the message mailed to one failed account's owner.
func (r CycleReport) AccountNotice(res orchestrator.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[时间] %s\n\n", r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "❌ %s: %s", res.DisplayName, failureText(res))
	return b.String()
}

func failureText(res orchestrator.Result) string {
	switch {
	case res.Reason != "" && res.Message != "":
		return res.Reason + " (" + truncate(res.Message, 160) + ")"
	case res.Reason != "":
		return res.Reason
	default:
		return truncate(res.Message, 160)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
