package corralerrors

import "fmt"

// Code is the numeric return code carried by return-code messages on the wire.
// All non-zero codes are >= 1000 so they can never be confused with POSIX errno values.
type Code uint32

const Success Code = 0

// Transport and protocol errors.
const (
	CodeUnexpectedMessage Code = 1000 + iota
	CodeProtocolError
	CodeVersionMismatch
	CodeConnectionError
	CodeTimeout
)

// Controller errors: resources, requests and state transitions.
const (
	CodeInvalidPartitionName Code = 2000 + iota
	CodeDefaultPartitionNotSet
	CodeRequestedNodeConfigUnavailable
	CodeRequestedPartConfigUnavailable
	CodeTooManyRequestedNodes
	CodeTooManyRequestedCpus
	CodeNodesBusy
	CodeJobPending
	CodeInvalidJobId
	CodeInvalidStepId
	CodeInvalidNodeName
	CodeInvalidTimeLimit
	CodeAlreadyDone
	CodeTransitionStateNoUpdate
	CodeDuplicateJobId
	CodeJobNotRunning
	CodeInvalidNodeState
	CodeBadTaskCount
	CodeReachedMaxJobCount
	CodePartitionDown
	CodeInvalidArgument
	CodeRequestedNodesNotInPartition
	CodeJobScriptMissing
	CodeShuttingDown
)

// Authorization errors.
const (
	CodeAuthenticationError Code = 3000 + iota
	CodeUserIdMissing
	CodeAccessDenied
	CodePartitionAccessDenied
)

// Node agent errors.
const (
	CodeCredentialInvalid Code = 4000 + iota
	CodeCredentialExpired
	CodeCredentialRevoked
	CodeClockSkew
	CodeForkFailed
	CodeExecFailed
	CodeUnknownStep
	CodeStepExists
)

// Internal errors.
const (
	CodeInternal Code = 5000 + iota
	CodePersistence
	CodeInvariantViolation
)

var codeNames = map[Code]string{
	Success:                            "SUCCESS",
	CodeUnexpectedMessage:              "UNEXPECTED_MESSAGE",
	CodeProtocolError:                  "PROTOCOL_ERROR",
	CodeVersionMismatch:                "VERSION_MISMATCH",
	CodeConnectionError:                "CONNECTION_ERROR",
	CodeTimeout:                        "TIMEOUT",
	CodeInvalidPartitionName:           "INVALID_PARTITION_NAME",
	CodeDefaultPartitionNotSet:         "DEFAULT_PARTITION_NOT_SET",
	CodeRequestedNodeConfigUnavailable: "REQUESTED_NODE_CONFIG_UNAVAILABLE",
	CodeRequestedPartConfigUnavailable: "REQUESTED_PART_CONFIG_UNAVAILABLE",
	CodeTooManyRequestedNodes:          "TOO_MANY_REQUESTED_NODES",
	CodeTooManyRequestedCpus:           "TOO_MANY_REQUESTED_CPUS",
	CodeNodesBusy:                      "NODES_BUSY",
	CodeJobPending:                     "JOB_PENDING",
	CodeInvalidJobId:                   "INVALID_JOB_ID",
	CodeInvalidStepId:                  "INVALID_STEP_ID",
	CodeInvalidNodeName:                "INVALID_NODE_NAME",
	CodeInvalidTimeLimit:               "INVALID_TIME_LIMIT",
	CodeAlreadyDone:                    "ALREADY_DONE",
	CodeTransitionStateNoUpdate:        "TRANSITION_STATE_NO_UPDATE",
	CodeDuplicateJobId:                 "DUPLICATE_JOB_ID",
	CodeJobNotRunning:                  "JOB_NOT_RUNNING",
	CodeInvalidNodeState:               "INVALID_NODE_STATE",
	CodeBadTaskCount:                   "BAD_TASK_COUNT",
	CodeReachedMaxJobCount:             "REACHED_MAX_JOB_COUNT",
	CodePartitionDown:                  "PARTITION_DOWN",
	CodeInvalidArgument:                "INVALID_ARGUMENT",
	CodeRequestedNodesNotInPartition:   "REQUESTED_NODES_NOT_IN_PARTITION",
	CodeJobScriptMissing:               "JOB_SCRIPT_MISSING",
	CodeShuttingDown:                   "SHUTTING_DOWN",
	CodeAuthenticationError:            "AUTHENTICATION_ERROR",
	CodeUserIdMissing:                  "USER_ID_MISSING",
	CodeAccessDenied:                   "ACCESS_DENIED",
	CodePartitionAccessDenied:          "PARTITION_ACCESS_DENIED",
	CodeCredentialInvalid:              "CREDENTIAL_INVALID",
	CodeCredentialExpired:              "CREDENTIAL_EXPIRED",
	CodeCredentialRevoked:              "CREDENTIAL_REVOKED",
	CodeClockSkew:                      "CLOCK_SKEW",
	CodeForkFailed:                     "FORK_FAILED",
	CodeExecFailed:                     "EXEC_FAILED",
	CodeUnknownStep:                    "UNKNOWN_STEP",
	CodeStepExists:                     "STEP_EXISTS",
	CodeInternal:                       "INTERNAL_ERROR",
	CodePersistence:                    "PERSISTENCE_ERROR",
	CodeInvariantViolation:             "INVARIANT_VIOLATION",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", uint32(c))
}

// ErrorKind groups return codes by how callers are expected to react to them.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// Recoverable by retry or by reporting failure to the originator. Never mutates state.
	KindTransport
	// The connection is closed and the peer logged.
	KindProtocol
	// Returned to the originator, state unchanged.
	KindAuthorization
	// Returned to the submitter; the job may stay pending.
	KindResource
	// Idempotent: success if the desired end state was already reached.
	KindStateMachine
	// Launch-time failures reported by a node agent.
	KindLaunch
	// Fatal to the controller.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuthorization:
		return "authorization"
	case KindResource:
		return "resource"
	case KindStateMachine:
		return "state"
	case KindLaunch:
		return "launch"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Kind classifies a return code.
func (c Code) Kind() ErrorKind {
	switch {
	case c == Success:
		return KindNone
	case c == CodeUnexpectedMessage || c == CodeProtocolError:
		return KindProtocol
	case c >= 1000 && c < 2000:
		return KindTransport
	case c >= CodeAlreadyDone && c <= CodeInvalidNodeState:
		return KindStateMachine
	case c >= 2000 && c < 3000:
		return KindResource
	case c >= 3000 && c < 4000:
		return KindAuthorization
	case c >= CodeCredentialInvalid && c <= CodeCredentialRevoked:
		return KindAuthorization
	case c >= 4000 && c < 5000:
		return KindLaunch
	default:
		return KindInternal
	}
}
