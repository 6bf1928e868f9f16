package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCpuGroups(t *testing.T) {
	perNode := []uint32{4, 4, 4, 8, 4}
	groups := EncodeCpuGroups(perNode)
	assert.Equal(t, []uint32{4, 8, 4}, groups.Counts)
	assert.Equal(t, []uint32{3, 1, 1}, groups.Reps)
	assert.Equal(t, perNode, groups.Expand())
	assert.Equal(t, uint32(24), groups.Total())
}

func TestJobDescriptorNormalizeAndValidate(t *testing.T) {
	d := JobDescriptor{Argv: []string{"/bin/true"}, Script: "#!/bin/sh\n/bin/true\n"}
	d.Normalize()
	assert.NoError(t, d.Validate())
	assert.Equal(t, uint32(1), d.MinNodes)
	assert.Equal(t, uint32(1), d.MaxNodes)
	assert.Equal(t, TimeLimitNone, d.TimeLimit)
	assert.Equal(t, "/dev/null", d.Stdin)

	bad := JobDescriptor{MinNodes: 3, MaxNodes: 2, NumTasks: 1}
	assert.Error(t, bad.Validate())
}

func TestJobDescriptorValidate_FieldLengths(t *testing.T) {
	long := strings.Repeat("x", MaxStringLength+1)
	tests := map[string]struct {
		mutate  func(d *JobDescriptor)
		wantErr bool
	}{
		"fields at the limit": {
			mutate: func(d *JobDescriptor) {
				d.WorkDir = long[1:]
				d.Env = []string{"A=1", long[1:]}
			},
		},
		"work directory":        {mutate: func(d *JobDescriptor) { d.WorkDir = long }, wantErr: true},
		"node list":             {mutate: func(d *JobDescriptor) { d.ReqNodes = long }, wantErr: true},
		"environment":           {mutate: func(d *JobDescriptor) { d.Env = []string{"A=1", long} }, wantErr: true},
		"argument":              {mutate: func(d *JobDescriptor) { d.Argv = append(d.Argv, long) }, wantErr: true},
		"output path":           {mutate: func(d *JobDescriptor) { d.Stdout = long }, wantErr: true},
		"script is not limited": {mutate: func(d *JobDescriptor) { d.Script = "#!/bin/sh\n" + long }},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			d := JobDescriptor{Argv: []string{"/bin/true"}, Script: "#!/bin/sh\n/bin/true\n"}
			d.Normalize()
			tc.mutate(&d)
			if tc.wantErr {
				assert.Error(t, d.Validate())
			} else {
				assert.NoError(t, d.Validate())
			}
		})
	}
}

func TestSharedModePermits(t *testing.T) {
	assert.False(t, SharedNo.Permits(true))
	assert.True(t, SharedYes.Permits(true))
	assert.False(t, SharedYes.Permits(false))
	assert.True(t, SharedForce.Permits(false))
	assert.False(t, SharedExclusive.Permits(true))
}

func TestStates(t *testing.T) {
	assert.True(t, JobCancelled.IsTerminal())
	assert.False(t, JobCompleting.IsTerminal())
	assert.True(t, JobCompleting.HoldsNodes())
	s, err := ParseNodeState("drain")
	assert.NoError(t, err)
	assert.Equal(t, NodeDraining, s)
	s, err = ParseNodeState("no_respond")
	assert.NoError(t, err)
	assert.Equal(t, NodeNoRespond, s)
	_, err = ParseNodeState("sleepy")
	assert.Error(t, err)
}
