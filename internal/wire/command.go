package wire

import (
	"encoding/json"

	"github.com/ccyuki/zeppelin/internal/topology"
)

// CommandKind tags the variant of a MetaCmd.
type CommandKind string

const (
	Ping          CommandKind = "PING"
	Pull          CommandKind = "PULL"
	Init          CommandKind = "INIT"
	SetMaster     CommandKind = "SETMASTER"
	AddSlave      CommandKind = "ADDSLAVE"
	RemoveSlave   CommandKind = "REMOVESLAVE"
	ListTable     CommandKind = "LISTTABLE"
	ListNode      CommandKind = "LISTNODE"
	ListMeta      CommandKind = "LISTMETA"
	MetaStatus    CommandKind = "METASTATUS"
	DropTable     CommandKind = "DROPTABLE"
	Migrate       CommandKind = "MIGRATE"
	CancelMigrate CommandKind = "CANCELMIGRATE"
)

// Flag is a per-command permission bit. The dispatcher consults Flags
// before invoking a handler: WRITE and some READ commands are forwarded to
// the leader when this process is not the leader (REDIRECT); commands
// without REDIRECT are served from this process's own state on followers
// too, and no leader hint is returned for them.
type Flag uint8

const (
	FlagRead     Flag = 1 << 0
	FlagWrite    Flag = 1 << 1
	FlagRedirect Flag = 1 << 2
)

// Flags returns the permission bitmask for kind. Grounded on the source's
// InitClientCmdTable registration of each command's read/write/redirect
// bits, re-architected here as a lookup table instead of per-command
// virtual dispatch.
func Flags(kind CommandKind) Flag {
	switch kind {
	case Ping:
		return FlagRead | FlagRedirect
	case Pull:
		return FlagRead
	case Init:
		return FlagWrite | FlagRedirect
	case SetMaster:
		return FlagWrite | FlagRedirect
	case AddSlave:
		return FlagWrite | FlagRedirect
	case RemoveSlave:
		return FlagWrite | FlagRedirect
	case ListTable:
		return FlagRead
	case ListNode:
		return FlagRead
	case ListMeta:
		return FlagRead
	case MetaStatus:
		return FlagRead
	case DropTable:
		return FlagWrite | FlagRedirect
	case Migrate:
		return FlagWrite | FlagRedirect
	case CancelMigrate:
		return FlagWrite | FlagRedirect
	default:
		return 0
	}
}

// MetaCmd is the request envelope: a tagged union over command types, the
// command-specific fields carried as a raw JSON payload decoded by the
// handler registered for Kind.
type MetaCmd struct {
	Kind    CommandKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MetaCmdResponse is the reply envelope: a status code plus a
// command-specific payload.
type MetaCmdResponse struct {
	Status  StatusCode      `json:"status"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command-specific payloads.

type PingRequest struct {
	Node    topology.Addr               `json:"node"`
	Offsets map[string]topology.NodeOffset `json:"offsets,omitempty"` // keyed by "table/partition"
}

type PingResponse struct {
	Epoch uint64 `json:"epoch"`
}

type PullRequest struct {
	Table string        `json:"table,omitempty"`
	Node  topology.Addr `json:"node,omitempty"` // when Table is empty, limits the snapshot to tables Node participates in
}

type PullResponse struct {
	Epoch  uint64           `json:"epoch"`
	Tables []*topology.Table `json:"tables"`
}

type InitRequest struct {
	Table          string          `json:"table"`
	PartitionCount int             `json:"partition_count"`
	Placement      []topology.Addr `json:"placement"`
}

type SetMasterRequest struct {
	Node      topology.Addr `json:"node"`
	Table     string        `json:"table"`
	Partition int           `json:"partition"`
}

type AddSlaveRequest struct {
	Node      topology.Addr `json:"node"`
	Table     string        `json:"table"`
	Partition int           `json:"partition"`
}

type RemoveSlaveRequest struct {
	Node      topology.Addr `json:"node"`
	Table     string        `json:"table"`
	Partition int           `json:"partition"`
}

type DropTableRequest struct {
	Table string `json:"table"`
}

type MigrateRequest struct {
	Epoch uint64                  `json:"epoch"`
	Diffs []topology.MigrationItem `json:"diffs"`
}

type ListTableResponse struct {
	Tables []string `json:"tables"`
}

type ListNodeResponse struct {
	Nodes map[topology.Addr]topology.NodeLiveness `json:"nodes"`
}

type ListMetaResponse struct {
	Leader    topology.Addr   `json:"leader"`
	Followers []topology.Addr `json:"followers"`
}

type MetaStatusResponse struct {
	Status  string   `json:"status"`
	Offsets []string `json:"offsets"`
}
