// Package accounting emits one record per finished job to the configured accounting storage
// and completion logger.
package accounting

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/armadaproject/corral/pkg/api"
)

// JobRecord is the accounting view of a job in a terminal state.
type JobRecord struct {
	RecordId     uuid.UUID     `json:"record_id"`
	Cluster      string        `json:"cluster"`
	JobId        uint32        `json:"job_id"`
	Name         string        `json:"name"`
	UserId       uint32        `json:"user_id"`
	GroupId      uint32        `json:"group_id"`
	Account      string        `json:"account,omitempty"`
	Partition    string        `json:"partition"`
	State        api.JobState  `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	ExitCode     uint32        `json:"exit_code"`
	SubmitTime   time.Time     `json:"submit_time"`
	EligibleTime time.Time     `json:"eligible_time"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	TimeLimit    api.TimeLimit `json:"time_limit"`
	NodeList     string        `json:"node_list,omitempty"`
	NumNodes     uint32        `json:"num_nodes"`
	NumCpus      uint32        `json:"num_cpus"`
	NumTasks     uint32        `json:"num_tasks"`
	WorkDir      string        `json:"work_dir,omitempty"`
	Restarts     uint32        `json:"restarts"`
	Steps        []StepRecord  `json:"steps,omitempty"`
}

type StepRecord struct {
	StepId    uint32        `json:"step_id"`
	Name      string        `json:"name"`
	State     api.StepState `json:"state"`
	NumTasks  uint32        `json:"num_tasks"`
	NodeList  string        `json:"node_list"`
	StartTime time.Time     `json:"start_time"`
	ExitCode  uint32        `json:"exit_code"`
}

// NewJobRecord builds the record for a terminal job. Each call gets a fresh record id; the caller
// keeps the record around across retries so sinks can recognise a record they already hold.
func NewJobRecord(cluster string, info api.JobInfo) *JobRecord {
	rec := &JobRecord{
		RecordId:     uuid.New(),
		Cluster:      cluster,
		JobId:        info.JobId,
		Name:         info.Name,
		UserId:       info.UserId,
		GroupId:      info.GroupId,
		Account:      info.Account,
		Partition:    info.Partition,
		State:        info.State,
		Reason:       info.StateReason,
		ExitCode:     info.ExitCode,
		SubmitTime:   info.SubmitTime,
		EligibleTime: info.EligibleTime,
		StartTime:    info.StartTime,
		EndTime:      info.EndTime,
		TimeLimit:    info.TimeLimit,
		NodeList:     info.NodeList,
		NumNodes:     info.NumNodes,
		NumCpus:      info.NumCpus,
		NumTasks:     info.NumTasks,
		WorkDir:      info.WorkDir,
		Restarts:     info.Restarts,
	}
	for _, step := range info.Steps {
		rec.Steps = append(rec.Steps, StepRecord{
			StepId:    step.StepId,
			Name:      step.Name,
			State:     step.State,
			NumTasks:  step.NumTasks,
			NodeList:  step.NodeList,
			StartTime: step.StartTime,
			ExitCode:  step.ExitCode,
		})
	}
	return rec
}

const textTimeFormat = "2006-01-02T15:04:05"

// Text renders the record as a single line of Key=Value pairs.
func (rec *JobRecord) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "JobId=%d UserId=%d GroupId=%d Name=%s JobState=%s Partition=%s",
		rec.JobId, rec.UserId, rec.GroupId, quoteValue(rec.Name), rec.State, rec.Partition)
	fmt.Fprintf(&b, " TimeLimit=%s SubmitTime=%s StartTime=%s EndTime=%s",
		rec.TimeLimit, formatTime(rec.SubmitTime), formatTime(rec.StartTime), formatTime(rec.EndTime))
	fmt.Fprintf(&b, " NodeList=%s NodeCnt=%d ProcCnt=%d ExitCode=%d",
		quoteValue(rec.NodeList), rec.NumNodes, rec.NumCpus, rec.ExitCode)
	if rec.Account != "" {
		fmt.Fprintf(&b, " Account=%s", quoteValue(rec.Account))
	}
	if rec.WorkDir != "" {
		fmt.Fprintf(&b, " WorkDir=%s", quoteValue(rec.WorkDir))
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Unknown"
	}
	return t.UTC().Format(textTimeFormat)
}

func quoteValue(s string) string {
	if s == "" {
		return "(null)"
	}
	if strings.ContainsAny(s, " \t\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnixSeconds(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0)
}
