// Package cloudfilter abstracts the OS cloud-files filter: placeholder
// metadata, the callback channel, and sync-root registration. The Windows
// driver talks to cldapi.dll; the simulator driver carries the same state
// in memory for tests and non-Windows builds.
package cloudfilter

import (
	"fmt"
	"time"
)

// State is the placeholder state vector as a bitmask.
type State uint32

const (
	StatePlaceholder State = 1 << iota
	StateInSync
	StatePartial
	StateOffline
	StatePinned
	StateUnpinned
)

// Has reports whether all bits of flag are set.
func (s State) Has(flag State) bool {
	return s&flag == flag
}

// PinState is the user's pin intent on an entry.
type PinState int

const (
	PinUnspecified PinState = iota
	PinPinned
	PinUnpinned
	PinExcluded
	PinInherit
)

// ConnectionKey identifies a connected callback channel.
type ConnectionKey uint64

// TransferKey identifies one hydration transfer within a connection.
type TransferKey uint64

// Status is the NTSTATUS-style completion code of a transfer.
type Status uint32

const (
	StatusSuccess        Status = 0x00000000
	StatusUnsuccessful   Status = 0xC0000001
	StatusObjectNotFound Status = 0xC0000034
)

// PlaceholderMeta describes a placeholder to create.
type PlaceholderMeta struct {
	Identity     string // server-relative path stored as the file identity
	Size         int64
	CreationTime time.Time
	LastWrite    time.Time
	LastAccess   time.Time
	ChangeTime   time.Time
	Attributes   uint32
	IsDirectory  bool

	// DisableOnDemandPopulation marks a directory placeholder whose children
	// are created eagerly by the provider rather than enumerated on demand.
	DisableOnDemandPopulation bool
}

// FetchRequest is one FetchData callback from the filter.
type FetchRequest struct {
	ConnectionKey     ConnectionKey
	TransferKey       TransferKey
	FileIdentity      string // decoded server-relative path
	RequiredOffset    int64
	RequiredLength    int64
	RequestKey        uint64
	CorrelationVector string
}

// CancelRequest is one CancelFetchData callback from the filter.
type CancelRequest struct {
	ConnectionKey ConnectionKey
	TransferKey   TransferKey
	FileIdentity  string
}

// Callbacks is the table registered on Connect. Entries may be nil.
type Callbacks struct {
	FetchData       func(FetchRequest)
	CancelFetchData func(CancelRequest)
}

// HydrationPolicy values for sync-root registration.
const (
	HydrationPolicyFull             = "Full"
	PopulationPolicyAlwaysFull      = "AlwaysFull"
	InSyncPolicyCreationTimes       = "FileCreationTime+DirectoryCreationTime"
	HardlinkPolicyNone              = "None"
	AutoDehydrationAllowedModifier  = "AutoDehydrationAllowed"
)

// SyncRootInfo is the identity registered with the OS shell.
type SyncRootInfo struct {
	ProviderID   string
	UserSID      string
	AccountName  string
	DisplayName  string
	IconResource string
	ClientPath   string
	Version      string
}

// ID returns the registered identity string "{Provider}!{SID}!{Account}".
func (i SyncRootInfo) ID() string {
	return fmt.Sprintf("%s!%s!%s", i.ProviderID, i.UserSID, i.AccountName)
}
