package slurmconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/corral/pkg/api"
)

const sampleConfig = `
# cluster
ClusterName=test ControlMachine=ctl
SlurmctldPort=7817
StateSaveLocation=/tmp/state
JobCredentialPublicCertificate=/etc/corral/cred.pub
JobCredentialPrivateKey=/etc/corral/cred.key
MessageTimeout=5
KillWait=2m
SchedulerType=sched/builtin

NodeName=DEFAULT CPUs=4 RealMemory=2048
NodeName=n[1-4] Feature=fast,big
NodeName=m1 CPUs=16 \
    NodeAddr=10.0.0.9
PartitionName=debug Nodes=n[1-4] Default=YES MaxTime=30 Shared=FORCE
PartitionName=long Nodes=n[1-4],m1 MaxTime=UNLIMITED MinNodes=2 MaxNodes=5 State=DRAIN
`

func TestParse(t *testing.T) {
	raw, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "ctl", raw.Globals["controlmachine"])
	assert.Equal(t, "test", raw.Globals["clustername"])
	require.Len(t, raw.Nodes, 2)
	assert.Equal(t, "4", raw.Nodes[0]["cpus"])
	assert.Equal(t, "n[1-4]", raw.Nodes[0]["nodename"])
	assert.Equal(t, "16", raw.Nodes[1]["cpus"])
	assert.Equal(t, "10.0.0.9", raw.Nodes[1]["nodeaddr"])
	require.Len(t, raw.Partitions, 2)
	assert.Equal(t, "n[1-4],m1", raw.Partitions[1]["nodes"])
}

func TestParse_DefaultsLine(t *testing.T) {
	tests := map[string]struct {
		input              string
		expectedPartitions []string
		expectedMaxTime    string
	}{
		"upper case sets defaults": {
			input:              "PartitionName=DEFAULT MaxTime=30\nPartitionName=batch Nodes=n1\n",
			expectedPartitions: []string{"batch"},
			expectedMaxTime:    "30",
		},
		"lower case names a partition": {
			input:              "PartitionName=default Nodes=n1 Default=YES MaxTime=60\n",
			expectedPartitions: []string{"default"},
			expectedMaxTime:    "60",
		},
		"mixed case names a partition": {
			input:              "PartitionName=Default Nodes=n1 MaxTime=45\n",
			expectedPartitions: []string{"Default"},
			expectedMaxTime:    "45",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			raw, err := Parse(strings.NewReader("NodeName=n1 CPUs=4\n" + tc.input))
			require.NoError(t, err)
			var names []string
			for _, p := range raw.Partitions {
				names = append(names, p["partitionname"])
			}
			assert.Equal(t, tc.expectedPartitions, names)
			assert.Equal(t, tc.expectedMaxTime, raw.Partitions[0]["maxtime"])
		})
	}
}

func TestDecode_PartitionNamedDefault(t *testing.T) {
	input := strings.Replace(sampleConfig, "PartitionName=debug", "PartitionName=default", 1)
	raw, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	config, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, config.Partitions, 2)
	assert.Equal(t, "default", config.Partitions[0].PartitionName)
	assert.True(t, config.Partitions[0].Default)
	assert.Equal(t, api.TimeLimit(30), config.Partitions[0].MaxTime)
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"missing equals":    "ControlMachine ctl",
		"unterminated":      `Name="abc`,
		"empty key":         "=value",
		"missing include":   "Include /nonexistent/corral.conf",
		"bare word in node": "NodeName=n1 CPUs",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestParse_QuotesAndComments(t *testing.T) {
	raw, err := Parse(strings.NewReader(`ResumeProgram="/usr/bin/wake # now" # trailing`))
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/wake # now", raw.Globals["resumeprogram"])
}

func TestParseFile_Include(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes.conf"), []byte("NodeName=a[1-2] CPUs=2\n"), 0o644))
	main := filepath.Join(dir, "corral.conf")
	require.NoError(t, os.WriteFile(main, []byte("ControlMachine=ctl\nInclude nodes.conf\n"), 0o644))

	raw, err := ParseFile(main)
	require.NoError(t, err)
	require.Len(t, raw.Nodes, 1)
	assert.Equal(t, "a[1-2]", raw.Nodes[0]["nodename"])
}

func TestParseFile_IncludeLoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loop.conf")
	require.NoError(t, os.WriteFile(path, []byte("Include loop.conf\n"), 0o644))
	_, err := ParseFile(path)
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	raw, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	config, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, uint16(7817), config.SlurmctldPort)
	assert.Equal(t, uint16(6818), config.SlurmdPort)
	assert.Equal(t, 5*time.Second, config.MessageTimeout)
	assert.Equal(t, 2*time.Minute, config.KillWait)
	assert.Equal(t, SchedBuiltin, config.SchedulerType)
	assert.Equal(t, 300*time.Second, config.CredentialLifetime)
	assert.Equal(t, "ctl:7817", config.ControllerAddress())

	require.Len(t, config.Nodes, 2)
	assert.Equal(t, []string{"fast", "big"}, config.Nodes[0].Feature)
	assert.Equal(t, uint32(4), config.Nodes[0].CPUs)
	assert.Equal(t, uint64(2048), config.Nodes[1].RealMemory)

	require.Len(t, config.Partitions, 2)
	debug := config.Partitions[0]
	assert.True(t, debug.Default)
	assert.Equal(t, api.TimeLimit(30), debug.MaxTime)
	assert.Equal(t, api.SharedForce, debug.Shared)
	assert.Equal(t, api.NoValue, debug.MaxNodes)
	assert.Equal(t, api.PartitionUp, debug.State)

	long := config.Partitions[1]
	assert.False(t, long.Default)
	assert.Equal(t, api.TimeLimitInfinite, long.MaxTime)
	assert.Equal(t, uint32(2), long.MinNodes)
	assert.Equal(t, uint32(5), long.MaxNodes)
	assert.Equal(t, api.PartitionDrain, long.State)
}

func TestExpandedNodes(t *testing.T) {
	raw, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	config, err := Decode(raw)
	require.NoError(t, err)

	nodes, err := config.ExpandedNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 5)
	assert.Equal(t, "n1", nodes[0].NodeName)
	assert.Equal(t, "n1", nodes[0].NodeAddr)
	assert.Equal(t, uint16(6818), nodes[0].Port)
	assert.Equal(t, "m1", nodes[4].NodeName)
	assert.Equal(t, "10.0.0.9", nodes[4].NodeAddr)
	assert.Equal(t, uint32(16), nodes[4].CPUs)
}

func TestDecode_Invalid(t *testing.T) {
	base := "ControlMachine=ctl JobCredentialPublicCertificate=/k\n"
	tests := map[string]string{
		"no nodes":              "ControlMachine=ctl JobCredentialPublicCertificate=/k\n",
		"missing controller":    "JobCredentialPublicCertificate=/k\nNodeName=n1\n",
		"bad scheduler":         base + "SchedulerType=sched/fifo\nNodeName=n1\n",
		"duplicate node":        base + "NodeName=n[1-2]\nNodeName=n2\n",
		"two defaults":          base + "NodeName=n1\nPartitionName=a Nodes=n1 Default=YES\nPartitionName=b Nodes=n1 Default=YES\n",
		"undefined member":      base + "NodeName=n1\nPartitionName=a Nodes=n[1-2]\n",
		"min above max":         base + "NodeName=n1\nPartitionName=a Nodes=n1 MinNodes=3 MaxNodes=2\n",
		"bad time limit":        base + "NodeName=n1\nPartitionName=a Nodes=n1 MaxTime=forever\n",
		"bad shared":            base + "NodeName=n1\nPartitionName=a Nodes=n1 Shared=SOMETIMES\n",
		"addr count mismatch":   base + "NodeName=n[1-3] NodeAddr=10.0.0.[1-2]\n",
		"hmac without key":      base + "AuthType=auth/hmac\nNodeName=n1\n",
		"zero cpus":             base + "NodeName=n1 CPUs=0\n",
		"pulsar without topic":  base + "JobCompType=jobcomp/pulsar JobCompLoc=pulsar://localhost:6650\nNodeName=n1\n",
		"accounting no locator": base + "AccountingStorageType=accounting_storage/sqlite\nNodeName=n1\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			raw, err := Parse(strings.NewReader(input))
			require.NoError(t, err)
			_, err = Decode(raw)
			assert.Error(t, err)
		})
	}
}

func TestDecode_UnknownKeysIgnored(t *testing.T) {
	raw, err := Parse(strings.NewReader("ControlMachine=ctl JobCredentialPublicCertificate=/k SwitchType=switch/none\nNodeName=n1 Weight=3\n"))
	require.NoError(t, err)
	config, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "ctl", config.ControlMachine)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.conf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", config.ClusterName)
	assert.Contains(t, config.String(), "ControlMachine=ctl")
}
