package corralctl

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/armadaproject/corral/pkg/api"
	"github.com/armadaproject/corral/pkg/wire"
)

type QueueArgs struct {
	// Only jobs of this uid when set
	UserId    *uint32
	Partition string
	States    []string
	Steps     bool
}

// Queue lists jobs.
func (a *App) Queue(args QueueArgs) error {
	req := &wire.LoadJobs{UserId: args.UserId, Partition: args.Partition, WithSteps: args.Steps}
	for _, s := range args.States {
		state, err := api.ParseJobState(s)
		if err != nil {
			return err
		}
		req.States = append(req.States, state)
	}
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	resp, err := a.Controller.LoadJobs(ctx, req)
	if err != nil {
		return err
	}
	now := a.Now()
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "JOBID\tPARTITION\tNAME\tUSER\tSTATE\tTIME\tNODES\tNODELIST(REASON)")
	for _, job := range resp.Jobs {
		where := job.NodeList
		if job.State == api.JobPending {
			where = "(" + job.StateReason + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			job.JobId, job.Partition, job.Name, job.UserId, job.State, elapsed(job, now), job.NumNodes, where)
		for _, step := range job.Steps {
			fmt.Fprintf(w, "%s\t\t%s\t\t%s\t\t\t%s\n", api.StepName(step.JobId, step.StepId), step.Name, step.State, step.NodeList)
		}
	}
	return w.Flush()
}

func elapsed(job api.JobInfo, now time.Time) string {
	if job.StartTime.IsZero() {
		return "0:00"
	}
	end := now
	if !job.EndTime.IsZero() {
		end = job.EndTime
	}
	d := end.Sub(job.StartTime).Round(time.Second)
	if d < time.Hour {
		return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// Nodes lists the nodes named by the hostlist expression names, or every node.
func (a *App) Nodes(names string) error {
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	resp, err := a.Controller.LoadNodes(ctx, names)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATE\tCPUS\tMEMORY\tTMP_DISK\tFEATURES\tPARTITIONS\tREASON")
	for _, n := range resp.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			n.Name, n.State, n.Cpus, n.RealMemoryMB, n.TmpDiskMB, orNone(n.Features), orNone(n.Partitions), n.Reason)
	}
	return w.Flush()
}

// Partitions lists the named partition, or every partition.
func (a *App) Partitions(name string) error {
	ctx, cancel := contextWithDefaultTimeout()
	defer cancel()
	resp, err := a.Controller.LoadPartitions(ctx, name)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tSTATE\tTIMELIMIT\tNODES\tCPUS\tSHARED\tPRIORITY\tNODELIST")
	for _, p := range resp.Partitions {
		partition := p.Name
		if p.Default {
			partition += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			partition, p.State, p.MaxTime, p.TotalNodes, p.TotalCpus, p.Shared, p.Priority, p.Nodes)
	}
	return w.Flush()
}

func orNone(values []string) string {
	if len(values) == 0 {
		return "(null)"
	}
	return strings.Join(values, ",")
}
