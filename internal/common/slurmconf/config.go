package slurmconf

import (
	"fmt"
	"net"
	"os/user"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	commonconfig "github.com/armadaproject/corral/internal/common/config"
	"github.com/armadaproject/corral/internal/common/hostlist"
	"github.com/armadaproject/corral/pkg/api"
)

const (
	SchedBuiltin  = "sched/builtin"
	SchedBackfill = "sched/backfill"

	SelectLinear = "select/linear"

	SpawnDirect = "spawn/direct"
	SpawnHelper = "spawn/helper"

	AccountingNone     = "accounting_storage/none"
	AccountingSqlite   = "accounting_storage/sqlite"
	AccountingPostgres = "accounting_storage/postgres"

	JobCompNone    = "jobcomp/none"
	JobCompFileTxt = "jobcomp/filetxt"
	JobCompRedis   = "jobcomp/redis"
	JobCompPulsar  = "jobcomp/pulsar"
)

// Config is the typed cluster configuration shared by the controller and the agents.
type Config struct {
	ClusterName      string
	ControlMachine   string `validate:"required"`
	ControlAddr      string
	BackupController string
	SlurmctldPort    uint16 `validate:"required"`
	SlurmdPort       uint16 `validate:"required"`
	// User name or numeric uid allowed to perform operator requests, in addition to root
	SlurmUser         string
	SchedulerType     string        `validate:"oneof=sched/builtin sched/backfill"`
	SchedulerInterval time.Duration `validate:"gt=0"`
	SelectType        string        `validate:"oneof=select/linear"`
	StateSaveLocation string        `validate:"required"`
	SlurmdSpoolDir    string        `validate:"required"`

	JobCredentialPrivateKey                string
	JobCredentialPublicCertificate         string `validate:"required"`
	JobCredentialPreviousPublicCertificate string
	CredentialLifetime                     time.Duration `validate:"gt=0"`

	AuthType string `validate:"oneof=auth/none auth/hmac"`
	AuthKey  string `validate:"required_if=AuthType auth/hmac"`

	MaxJobCount        int           `validate:"gt=0"`
	FirstJobId         uint32        `validate:"gt=0"`
	MinJobAge          time.Duration `validate:"gte=0"`
	KillWait           time.Duration `validate:"gte=0"`
	KillRetries        int           `validate:"gte=0"`
	MessageTimeout     time.Duration `validate:"gt=0"`
	SlurmdTimeout      time.Duration `validate:"gte=0"`
	HeartbeatInterval  time.Duration `validate:"gt=0"`
	MaxClockSkew       time.Duration `validate:"gte=0"`
	FastSchedule       int           `validate:"oneof=0 1"`
	ReturnToService    int           `validate:"oneof=0 1 2"`
	MaxLaunchRetries   int           `validate:"gte=0"`
	CheckpointInterval time.Duration `validate:"gt=0"`
	WorkerPoolSize     int           `validate:"gt=0"`

	PriorityBase            uint32
	PriorityWeightAge       uint32
	PriorityWeightPartition uint32
	PriorityMaxAge          time.Duration

	ResumeProgram string
	ResumeTimeout time.Duration

	TaskSpawnType string `validate:"oneof=spawn/direct spawn/helper"`

	AccountingStorageType string `validate:"oneof=accounting_storage/none accounting_storage/sqlite accounting_storage/postgres"`
	AccountingStorageLoc  string `validate:"required_unless=AccountingStorageType accounting_storage/none"`

	JobCompType        string `validate:"oneof=jobcomp/none jobcomp/filetxt jobcomp/redis jobcomp/pulsar"`
	JobCompLoc         string `validate:"required_unless=JobCompType jobcomp/none"`
	JobCompPass        string
	JobCompTopic       string `validate:"required_if=JobCompType jobcomp/pulsar"`
	JobCompCompression pulsar.CompressionType

	MetricsPort       uint16
	SlurmdMetricsPort uint16

	Nodes      []NodeConfig      `mapstructure:"-" validate:"required,dive"`
	Partitions []PartitionConfig `mapstructure:"-" validate:"dive"`
}

type NodeConfig struct {
	NodeName   string `validate:"required"`
	NodeAddr   string
	Port       uint16
	CPUs       uint32 `validate:"gt=0"`
	RealMemory uint64
	TmpDisk    uint64
	Feature    []string
	State      string
}

type PartitionConfig struct {
	PartitionName string `validate:"required"`
	Nodes         string
	Default       bool
	MaxNodes      uint32
	MinNodes      uint32
	MaxTime       api.TimeLimit
	AllowGroups   []string
	AllowAccounts []string
	Priority      uint32
	PreemptMode   string
	Shared        api.SharedMode
	State         api.PartitionState
}

// Defaults returns a configuration with every optional key at its default.
func Defaults() Config {
	return Config{
		SlurmctldPort:         6817,
		SlurmdPort:            6818,
		SlurmUser:             "root",
		SchedulerType:         SchedBackfill,
		SchedulerInterval:     3 * time.Second,
		SelectType:            SelectLinear,
		StateSaveLocation:     "/var/spool/corralctld",
		SlurmdSpoolDir:        "/var/spool/corrald",
		CredentialLifetime:    300 * time.Second,
		AuthType:              "auth/none",
		MaxJobCount:           10000,
		FirstJobId:            1,
		MinJobAge:             300 * time.Second,
		KillWait:              30 * time.Second,
		KillRetries:           3,
		MessageTimeout:        10 * time.Second,
		SlurmdTimeout:         300 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		MaxClockSkew:          300 * time.Second,
		FastSchedule:          1,
		ReturnToService:       1,
		MaxLaunchRetries:      3,
		CheckpointInterval:    5 * time.Minute,
		WorkerPoolSize:        8,
		PriorityBase:          10000,
		PriorityWeightAge:     1,
		PriorityMaxAge:        7 * 24 * time.Hour,
		ResumeTimeout:         60 * time.Second,
		TaskSpawnType:         SpawnHelper,
		AccountingStorageType: AccountingNone,
		JobCompType:           JobCompNone,
	}
}

func defaultNode() NodeConfig {
	return NodeConfig{CPUs: 1, RealMemory: 1}
}

func defaultPartition() PartitionConfig {
	return PartitionConfig{MaxNodes: api.NoValue, MinNodes: 1, MaxTime: api.TimeLimitInfinite}
}

// Load reads, decodes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// Decode turns parsed Key=Value data into a validated Config.
func Decode(raw *RawConfig) (*Config, error) {
	config := Defaults()
	if err := decodeInto(raw.Globals, &config, "global"); err != nil {
		return nil, err
	}
	for _, m := range raw.Nodes {
		node := defaultNode()
		if err := decodeInto(m, &node, "node "+m["nodename"]); err != nil {
			return nil, err
		}
		config.Nodes = append(config.Nodes, node)
	}
	for _, m := range raw.Partitions {
		partition := defaultPartition()
		if err := decodeInto(m, &partition, "partition "+m["partitionname"]); err != nil {
			return nil, err
		}
		config.Partitions = append(config.Partitions, partition)
	}
	if err := commonconfig.Validate(config); err != nil {
		return nil, err
	}
	if err := config.check(); err != nil {
		return nil, err
	}
	return &config, nil
}

func decodeInto(m map[string]string, target interface{}, what string) error {
	var metadata mapstructure.Metadata
	hooks := append([]mapstructure.DecodeHookFunc{
		timeLimitHookFunc(),
		sharedModeHookFunc(),
		partitionStateHookFunc(),
	}, commonconfig.CustomHooks...)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(hooks...),
		WeaklyTypedInput: true,
		Metadata:         &metadata,
		Result:           target,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	input := make(map[string]interface{}, len(m))
	for k, v := range m {
		input[k] = v
	}
	if err := decoder.Decode(input); err != nil {
		return errors.Wrapf(err, "decoding %s configuration", what)
	}
	for _, key := range metadata.Unused {
		log.Warnf("Ignoring unknown %s configuration key %s", what, key)
	}
	return nil
}

func timeLimitHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(api.TimeLimit(0)) {
			return data, nil
		}
		return api.ParseTimeLimit(data.(string))
	}
}

func sharedModeHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(api.SharedNo) {
			return data, nil
		}
		return api.ParseSharedMode(data.(string))
	}
}

func partitionStateHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(api.PartitionUp) {
			return data, nil
		}
		return api.ParsePartitionState(data.(string))
	}
}

// check performs the cross-field validation struct tags cannot express.
func (c *Config) check() error {
	var result *multierror.Error
	nodes, err := c.ExpandedNodes()
	if err != nil {
		result = multierror.Append(result, err)
	}
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if known[n.NodeName] {
			result = multierror.Append(result, errors.Errorf("node %s is defined more than once", n.NodeName))
		}
		known[n.NodeName] = true
	}
	defaults := 0
	names := map[string]bool{}
	for _, p := range c.Partitions {
		if names[p.PartitionName] {
			result = multierror.Append(result, errors.Errorf("partition %s is defined more than once", p.PartitionName))
		}
		names[p.PartitionName] = true
		if p.Default {
			defaults++
		}
		if p.MinNodes > p.MaxNodes {
			result = multierror.Append(result, errors.Errorf("partition %s has MinNodes %d greater than MaxNodes %d", p.PartitionName, p.MinNodes, p.MaxNodes))
		}
		members, err := hostlist.Expand(p.Nodes)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "partition %s", p.PartitionName))
			continue
		}
		for _, m := range members {
			if !known[m] {
				result = multierror.Append(result, errors.Errorf("partition %s references undefined node %s", p.PartitionName, m))
			}
		}
	}
	if defaults > 1 {
		result = multierror.Append(result, errors.Errorf("%d partitions are marked Default=YES; at most one is allowed", defaults))
	}
	return result.ErrorOrNil()
}

// ExpandedNodes returns one NodeConfig per node, expanding hostlist NodeName and NodeAddr expressions.
func (c *Config) ExpandedNodes() ([]NodeConfig, error) {
	var out []NodeConfig
	for _, n := range c.Nodes {
		names, err := hostlist.Expand(n.NodeName)
		if err != nil {
			return nil, errors.WithMessagef(err, "NodeName=%s", n.NodeName)
		}
		var addrs []string
		if n.NodeAddr != "" {
			addrs, err = hostlist.Expand(n.NodeAddr)
			if err != nil {
				return nil, errors.WithMessagef(err, "NodeAddr=%s", n.NodeAddr)
			}
			if len(addrs) != len(names) {
				return nil, errors.Errorf("NodeName=%s names %d nodes but NodeAddr has %d addresses", n.NodeName, len(names), len(addrs))
			}
		}
		for i, name := range names {
			node := n
			node.NodeName = name
			node.NodeAddr = name
			if addrs != nil {
				node.NodeAddr = addrs[i]
			}
			if node.Port == 0 {
				node.Port = c.SlurmdPort
			}
			out = append(out, node)
		}
	}
	return out, nil
}

// ControllerAddress is the host:port agents and clients send requests to.
func (c *Config) ControllerAddress() string {
	host := c.ControlAddr
	if host == "" {
		host = c.ControlMachine
	}
	return net.JoinHostPort(host, strconv.Itoa(int(c.SlurmctldPort)))
}

// OperatorUids returns the uids allowed to run operator requests: root and SlurmUser.
func (c *Config) OperatorUids() (map[uint32]bool, error) {
	uids := map[uint32]bool{0: true}
	if c.SlurmUser == "" || c.SlurmUser == "root" {
		return uids, nil
	}
	if uid, err := strconv.ParseUint(c.SlurmUser, 10, 32); err == nil {
		uids[uint32(uid)] = true
		return uids, nil
	}
	u, err := user.Lookup(c.SlurmUser)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up SlurmUser %s", c.SlurmUser)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	uids[uint32(uid)] = true
	return uids, nil
}

// String renders the configuration in Key=Value form.
func (c *Config) String() string {
	var b strings.Builder
	v := reflect.ValueOf(*c)
	for i := 0; i < v.NumField(); i++ {
		field := v.Type().Field(i)
		if field.Tag.Get("mapstructure") == "-" {
			continue
		}
		fmt.Fprintf(&b, "%s=%v\n", field.Name, v.Field(i).Interface())
	}
	return b.String()
}
