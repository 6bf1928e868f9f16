package wire

import (
	"github.com/armadaproject/corral/pkg/api"
)

// PackJobDescriptor packs a job request. The controller journal uses the same encoding.
func PackJobDescriptor(p *Packer, d *api.JobDescriptor) {
	p.PackString(d.Name)
	p.PackString(d.Partition)
	p.PackString(d.Account)
	p.PackU32(d.UserId)
	p.PackU32(d.GroupId)
	p.PackU32(d.MinNodes)
	p.PackU32(d.MaxNodes)
	p.PackU32(d.NumTasks)
	p.PackU32(d.CpusPerTask)
	p.PackU64(d.MinMemoryMB)
	p.PackU64(d.MinTmpDiskMB)
	p.PackStringArray(d.Features)
	p.PackBool(d.Contiguous)
	p.PackString(d.ReqNodes)
	p.PackString(d.ExcNodes)
	p.PackU32(uint32(d.TimeLimit))
	p.PackString(d.WorkDir)
	p.PackStringArray(d.Env)
	p.PackStringArray(d.Argv)
	p.PackBytes([]byte(d.Script))
	p.PackString(d.Stdin)
	p.PackString(d.Stdout)
	p.PackString(d.Stderr)
	p.PackBool(d.Shared)
	p.PackBool(d.KillOnNodeFail)
	p.PackBool(d.Overcommit)
	p.PackBool(d.Immediate)
	p.PackI32(d.Nice)
}

func UnpackJobDescriptor(u *Unpacker) api.JobDescriptor {
	return api.JobDescriptor{
		Name:           u.UnpackString(),
		Partition:      u.UnpackString(),
		Account:        u.UnpackString(),
		UserId:         u.UnpackU32(),
		GroupId:        u.UnpackU32(),
		MinNodes:       u.UnpackU32(),
		MaxNodes:       u.UnpackU32(),
		NumTasks:       u.UnpackU32(),
		CpusPerTask:    u.UnpackU32(),
		MinMemoryMB:    u.UnpackU64(),
		MinTmpDiskMB:   u.UnpackU64(),
		Features:       u.UnpackStringArray(),
		Contiguous:     u.UnpackBool(),
		ReqNodes:       u.UnpackString(),
		ExcNodes:       u.UnpackString(),
		TimeLimit:      api.TimeLimit(u.UnpackU32()),
		WorkDir:        u.UnpackString(),
		Env:            u.UnpackStringArray(),
		Argv:           u.UnpackStringArray(),
		Script:         string(u.UnpackBytes()),
		Stdin:          u.UnpackString(),
		Stdout:         u.UnpackString(),
		Stderr:         u.UnpackString(),
		Shared:         u.UnpackBool(),
		KillOnNodeFail: u.UnpackBool(),
		Overcommit:     u.UnpackBool(),
		Immediate:      u.UnpackBool(),
		Nice:           u.UnpackI32(),
	}
}

func packStepInfo(p *Packer, s *api.StepInfo) {
	p.PackU32(s.JobId)
	p.PackU32(s.StepId)
	p.PackString(s.Name)
	p.PackU16(uint16(s.State))
	p.PackU32(s.NumTasks)
	p.PackString(s.NodeList)
	p.PackTime(s.StartTime)
	p.PackU32(s.ExitCode)
}

func unpackStepInfo(u *Unpacker) api.StepInfo {
	return api.StepInfo{
		JobId:     u.UnpackU32(),
		StepId:    u.UnpackU32(),
		Name:      u.UnpackString(),
		State:     api.StepState(u.UnpackU16()),
		NumTasks:  u.UnpackU32(),
		NodeList:  u.UnpackString(),
		StartTime: u.UnpackTime(),
		ExitCode:  u.UnpackU32(),
	}
}

func packJobInfo(p *Packer, j *api.JobInfo) {
	p.PackU32(j.JobId)
	p.PackString(j.Name)
	p.PackU32(j.UserId)
	p.PackU32(j.GroupId)
	p.PackString(j.Account)
	p.PackString(j.Partition)
	p.PackU16(uint16(j.State))
	p.PackString(j.StateReason)
	p.PackU32(j.Priority)
	p.PackTime(j.SubmitTime)
	p.PackTime(j.EligibleTime)
	p.PackTime(j.StartTime)
	p.PackTime(j.EndTime)
	p.PackTime(j.ExpectedStart)
	p.PackU32(uint32(j.TimeLimit))
	p.PackString(j.NodeList)
	p.PackU32(j.NumNodes)
	p.PackU32(j.NumTasks)
	p.PackU32(j.NumCpus)
	p.PackU32(j.ExitCode)
	p.PackU32(j.Restarts)
	p.PackString(j.WorkDir)
	p.PackU32(uint32(len(j.Steps)))
	for i := range j.Steps {
		packStepInfo(p, &j.Steps[i])
	}
}

func unpackJobInfo(u *Unpacker) api.JobInfo {
	j := api.JobInfo{
		JobId:         u.UnpackU32(),
		Name:          u.UnpackString(),
		UserId:        u.UnpackU32(),
		GroupId:       u.UnpackU32(),
		Account:       u.UnpackString(),
		Partition:     u.UnpackString(),
		State:         api.JobState(u.UnpackU16()),
		StateReason:   u.UnpackString(),
		Priority:      u.UnpackU32(),
		SubmitTime:    u.UnpackTime(),
		EligibleTime:  u.UnpackTime(),
		StartTime:     u.UnpackTime(),
		EndTime:       u.UnpackTime(),
		ExpectedStart: u.UnpackTime(),
		TimeLimit:     api.TimeLimit(u.UnpackU32()),
		NodeList:      u.UnpackString(),
		NumNodes:      u.UnpackU32(),
		NumTasks:      u.UnpackU32(),
		NumCpus:       u.UnpackU32(),
		ExitCode:      u.UnpackU32(),
		Restarts:      u.UnpackU32(),
		WorkDir:       u.UnpackString(),
	}
	n := unpackCount(u, 4)
	for i := 0; i < n; i++ {
		j.Steps = append(j.Steps, unpackStepInfo(u))
	}
	return j
}

func packNodeInfo(p *Packer, n *api.NodeInfo) {
	p.PackString(n.Name)
	p.PackString(n.Addr)
	p.PackU16(n.Port)
	p.PackU16(uint16(n.State))
	p.PackString(n.Reason)
	p.PackU32(n.ReasonUid)
	p.PackTime(n.ReasonTime)
	p.PackU32(n.Cpus)
	p.PackU64(n.RealMemoryMB)
	p.PackU64(n.TmpDiskMB)
	p.PackStringArray(n.Features)
	p.PackU32(n.RunJobs)
	p.PackU32(n.CompJobs)
	p.PackTime(n.LastResponse)
	p.PackString(n.BootId)
	p.PackStringArray(n.Partitions)
}

func unpackNodeInfo(u *Unpacker) api.NodeInfo {
	return api.NodeInfo{
		Name:         u.UnpackString(),
		Addr:         u.UnpackString(),
		Port:         u.UnpackU16(),
		State:        api.NodeState(u.UnpackU16()),
		Reason:       u.UnpackString(),
		ReasonUid:    u.UnpackU32(),
		ReasonTime:   u.UnpackTime(),
		Cpus:         u.UnpackU32(),
		RealMemoryMB: u.UnpackU64(),
		TmpDiskMB:    u.UnpackU64(),
		Features:     u.UnpackStringArray(),
		RunJobs:      u.UnpackU32(),
		CompJobs:     u.UnpackU32(),
		LastResponse: u.UnpackTime(),
		BootId:       u.UnpackString(),
		Partitions:   u.UnpackStringArray(),
	}
}

func packPartitionInfo(p *Packer, pi *api.PartitionInfo) {
	p.PackString(pi.Name)
	p.PackString(pi.Nodes)
	p.PackU16(uint16(pi.State))
	p.PackBool(pi.Default)
	p.PackU32(pi.MaxNodes)
	p.PackU32(pi.MinNodes)
	p.PackU32(uint32(pi.MaxTime))
	p.PackU16(uint16(pi.Shared))
	p.PackU32(pi.Priority)
	p.PackStringArray(pi.AllowGroups)
	p.PackStringArray(pi.AllowAccounts)
	p.PackString(pi.PreemptMode)
	p.PackU32(pi.TotalNodes)
	p.PackU32(pi.TotalCpus)
}

func unpackPartitionInfo(u *Unpacker) api.PartitionInfo {
	return api.PartitionInfo{
		Name:          u.UnpackString(),
		Nodes:         u.UnpackString(),
		State:         api.PartitionState(u.UnpackU16()),
		Default:       u.UnpackBool(),
		MaxNodes:      u.UnpackU32(),
		MinNodes:      u.UnpackU32(),
		MaxTime:       api.TimeLimit(u.UnpackU32()),
		Shared:        api.SharedMode(u.UnpackU16()),
		Priority:      u.UnpackU32(),
		AllowGroups:   u.UnpackStringArray(),
		AllowAccounts: u.UnpackStringArray(),
		PreemptMode:   u.UnpackString(),
		TotalNodes:    u.UnpackU32(),
		TotalCpus:     u.UnpackU32(),
	}
}

func packCpuGroups(p *Packer, g api.CpuGroups) {
	p.PackU32Array(g.Counts)
	p.PackU32Array(g.Reps)
}

func unpackCpuGroups(u *Unpacker) api.CpuGroups {
	g := api.CpuGroups{Counts: u.UnpackU32Array(), Reps: u.UnpackU32Array()}
	if len(g.Counts) != len(g.Reps) {
		u.fail("cpu groups have %d counts but %d repetitions", len(g.Counts), len(g.Reps))
	}
	return g
}

// unpackCount reads an element count and checks it against the remaining bytes given a minimum element size.
func unpackCount(u *Unpacker, minElemSize int) int {
	n := u.UnpackU32()
	if u.err != nil {
		return 0
	}
	if uint64(n)*uint64(minElemSize) > uint64(u.Remaining()) {
		u.fail("array of %d elements exceeds remaining %d bytes", n, u.Remaining())
		return 0
	}
	return int(n)
}

func packOptionalU32(p *Packer, v *uint32) {
	if p.PackPresent(v != nil) {
		p.PackU32(*v)
	}
}

func unpackOptionalU32(u *Unpacker) *uint32 {
	if !u.UnpackPresent() {
		return nil
	}
	v := u.UnpackU32()
	return &v
}

func packOptionalString(p *Packer, v *string) {
	if p.PackPresent(v != nil) {
		p.PackString(*v)
	}
}

func unpackOptionalString(u *Unpacker) *string {
	if !u.UnpackPresent() {
		return nil
	}
	v := u.UnpackString()
	return &v
}
