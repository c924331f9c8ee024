package ovirt

type DiskFormat string

const (
	DiskFormatRaw DiskFormat = "raw"
	DiskFormatCow DiskFormat = "cow"
)

type DiskStatus string

const (
	DiskStatusOK      DiskStatus = "ok"
	DiskStatusLocked  DiskStatus = "locked"
	DiskStatusIllegal DiskStatus = "illegal"
)

type TransferPhase string

const (
	PhaseInitializing      TransferPhase = "initializing"
	PhaseTransferring      TransferPhase = "transferring"
	PhaseResuming          TransferPhase = "resuming"
	PhasePausedSystem      TransferPhase = "paused_system"
	PhasePausedUser        TransferPhase = "paused_user"
	PhaseCancelledSystem   TransferPhase = "cancelled_system"
	PhaseCancelledUser     TransferPhase = "cancelled_user"
	PhaseFinalizingSuccess TransferPhase = "finalizing_success"
	PhaseFinalizingFailure TransferPhase = "finalizing_failure"
	PhaseFinishedSuccess   TransferPhase = "finished_success"
	PhaseFinishedFailure   TransferPhase = "finished_failure"
)

// Failed reports whether the phase means the engine gave up on the
// transfer and no bytes will be accepted anymore.
func (p TransferPhase) Failed() bool {
	switch p {
	case PhasePausedSystem, PhaseCancelledSystem, PhaseCancelledUser,
		PhaseFinalizingFailure, PhaseFinishedFailure:
		return true
	}

	return false
}

type StorageDomain struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type StorageDomains struct {
	StorageDomain []StorageDomain `json:"storage_domain"`
}

// Disk mirrors the engine's disk resource. The engine encodes numbers and
// booleans as JSON strings, hence the ",string" options.
type Disk struct {
	ID              string          `json:"id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Description     string          `json:"description,omitempty"`
	Format          DiskFormat      `json:"format,omitempty"`
	InitialSize     int64           `json:"initial_size,string,omitempty"`
	ProvisionedSize int64           `json:"provisioned_size,string,omitempty"`
	Sparse          bool            `json:"sparse,string"`
	Status          DiskStatus      `json:"status,omitempty"`
	StorageDomains  *StorageDomains `json:"storage_domains,omitempty"`
}

type Image struct {
	ID string `json:"id"`
}

type ImageTransfer struct {
	ID           string        `json:"id,omitempty"`
	Direction    string        `json:"direction,omitempty"`
	Phase        TransferPhase `json:"phase,omitempty"`
	TransferURL  string        `json:"transfer_url,omitempty"`
	ProxyURL     string        `json:"proxy_url,omitempty"`
	SignedTicket string        `json:"signed_ticket,omitempty"`
	Image        *Image        `json:"image,omitempty"`
}

// action is the body of POSTs against an action sub-resource
// (pause, finalize). The engine requires a body even when empty.
type action struct{}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
