package wire

import (
	"fmt"

	"github.com/armadaproject/corral/internal/common/corralerrors"
)

type MessageKind uint16

const (
	KindReturnCode MessageKind = 1
	KindPing       MessageKind = 1001

	KindReconfigure MessageKind = 1002
	KindShutdown    MessageKind = 1003

	KindLoadJobs          MessageKind = 2001
	KindJobInfo           MessageKind = 2002
	KindLoadNodes         MessageKind = 2003
	KindNodeInfo          MessageKind = 2004
	KindLoadPartitions    MessageKind = 2005
	KindPartitionInfo     MessageKind = 2006
	KindJobAllocationInfo MessageKind = 2007

	KindUpdateNode      MessageKind = 3001
	KindUpdatePartition MessageKind = 3002

	KindSubmitBatchJob         MessageKind = 4001
	KindSubmitResponse         MessageKind = 4002
	KindAllocateResources      MessageKind = 4003
	KindAllocationResponse     MessageKind = 4004
	KindAllocateAndRun         MessageKind = 4005
	KindAllocateAndRunResponse MessageKind = 4006
	KindJobStepCreate          MessageKind = 4007
	KindStepCreateResponse     MessageKind = 4008
	KindJobCancel              MessageKind = 4009
	KindJobComplete            MessageKind = 4010
	KindStepComplete           MessageKind = 4011

	KindLaunchTasks             MessageKind = 6001
	KindBatchJobLaunch          MessageKind = 6002
	KindLaunchResponse          MessageKind = 6003
	KindSignalTasks             MessageKind = 6004
	KindTerminateJob            MessageKind = 6005
	KindRevokeCredential        MessageKind = 6006
	KindReattachTasks           MessageKind = 6007
	KindReattachResponse        MessageKind = 6008
	KindTaskExit                MessageKind = 6009
	KindNodeRegistration        MessageKind = 6010
	KindRequestNodeRegistration MessageKind = 6011
	KindEpilogComplete          MessageKind = 6012
)

var kindNames = map[MessageKind]string{
	KindReturnCode:              "return-code",
	KindPing:                    "ping",
	KindReconfigure:             "reconfigure",
	KindShutdown:                "shutdown",
	KindLoadJobs:                "load-jobs",
	KindJobInfo:                 "job-info",
	KindLoadNodes:               "load-nodes",
	KindNodeInfo:                "node-info",
	KindLoadPartitions:          "load-partitions",
	KindPartitionInfo:           "partition-info",
	KindJobAllocationInfo:       "job-allocation-info",
	KindUpdateNode:              "update-node",
	KindUpdatePartition:         "update-partition",
	KindSubmitBatchJob:          "submit-batch-job",
	KindSubmitResponse:          "submit-response",
	KindAllocateResources:       "allocate-resources",
	KindAllocationResponse:      "allocation-response",
	KindAllocateAndRun:          "allocate-and-run",
	KindAllocateAndRunResponse:  "allocate-and-run-response",
	KindJobStepCreate:           "job-step-create",
	KindStepCreateResponse:      "step-create-response",
	KindJobCancel:               "job-cancel",
	KindJobComplete:             "job-complete",
	KindStepComplete:            "step-complete",
	KindLaunchTasks:             "launch-tasks",
	KindBatchJobLaunch:          "batch-job-launch",
	KindLaunchResponse:          "launch-response",
	KindSignalTasks:             "signal-tasks",
	KindTerminateJob:            "terminate-job",
	KindRevokeCredential:        "revoke-credential",
	KindReattachTasks:           "reattach-tasks",
	KindReattachResponse:        "reattach-response",
	KindTaskExit:                "task-exit",
	KindNodeRegistration:        "node-registration",
	KindRequestNodeRegistration: "request-node-registration",
	KindEpilogComplete:          "epilog-complete",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind-%d", uint16(k))
}

// Message is a typed message body.
type Message interface {
	Kind() MessageKind
	Pack(p *Packer)
	Unpack(u *Unpacker)
}

var registry = map[MessageKind]func() Message{}

func register(ctor func() Message) {
	kind := ctor().Kind()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("message kind %s registered twice", kind))
	}
	registry[kind] = ctor
}

// NewMessage returns an empty message of the given kind.
func NewMessage(kind MessageKind) (Message, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, corralerrors.Newf(corralerrors.CodeUnexpectedMessage, "unexpected message kind %d", uint16(kind))
	}
	return ctor(), nil
}

// Kinds returns every registered kind.
func Kinds() []MessageKind {
	kinds := make([]MessageKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

// Marshal packs msg into a fresh buffer.
func Marshal(msg Message) ([]byte, error) {
	p := NewPacker(256)
	msg.Pack(p)
	return p.Bytes(), p.Err()
}

// Unmarshal decodes a body of the given kind, requiring every byte to be consumed.
func Unmarshal(kind MessageKind, body []byte) (Message, error) {
	msg, err := NewMessage(kind)
	if err != nil {
		return nil, err
	}
	u := NewUnpacker(body)
	msg.Unpack(u)
	if err := u.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}
