package constants

import "time"

// Command pool sizing defaults
const (
	// DefaultMaxCommands caps the fast command pool regardless of what the
	// controller advertises in its config table
	DefaultMaxCommands = 1024

	// CmdsReservedForDriver are slots kept back from the OS queue depth for
	// internal commands issued from the request path (TUR, resets)
	CmdsReservedForDriver = 1

	// CmdsReservedForAborts bounds concurrent task-abort commands
	CmdsReservedForAborts = 9

	// MaxConcurrentPassthrus bounds concurrent ioctl-style passthru commands
	MaxConcurrentPassthrus = 10

	// DefaultAdminCommands is the number of slow-path command blocks that may
	// exist at once
	DefaultAdminCommands = 32
)

// Scatter-gather limits
const (
	// SGEntriesInCmd is the default number of inline SG descriptors per command
	SGEntriesInCmd = 32

	// DefaultMaxSGEntries is used when the config table reports zero
	DefaultMaxSGEntries = 31

	// SGDescriptorSize is the wire size of one SG descriptor in bytes
	SGDescriptorSize = 16

	// MinBlockFetch is the size, in 16-byte blocks, of a command block with no SG
	MinBlockFetch = 4
)

// Tag encoding
const (
	// DirectLookupShift is the shift applied to a slot index to form a tag
	DirectLookupShift = 5

	// DirectLookupBit marks a tag that embeds a slot index
	DirectLookupBit = 0x10

	// PerfErrorBits are discarded from a performant-mode completion
	PerfErrorBits = (1 << DirectLookupShift) - 1

	// SimpleErrorBits are discarded from a simple-mode completion
	SimpleErrorBits = 0x03

	// CommandBlockAlign is the alignment of every command block bus address
	CommandBlockAlign = 32
)

// Topology limits
const (
	// MaxPhysLUN caps physical devices accepted per scan
	MaxPhysLUN = 1024

	// MaxLogicalLUN caps logical volumes accepted per scan
	MaxLogicalLUN = 1024

	// MaxExtTargets bounds the target numbers tracked for enclosure synthesis
	MaxExtTargets = 32

	// MaxDevices bounds the device table: logicals, physicals, enclosures
	// synthesized for external targets, and the controller itself
	MaxDevices = MaxPhysLUN + MaxLogicalLUN + MaxExtTargets + 1

	// ReportLUNsBufferSize is the allocation used for REPORT LUNS data
	ReportLUNsBufferSize = 8 + 8*MaxLogicalLUN

	// ReportPhysExtBufferSize is the allocation used for extended physical reports
	ReportPhysExtBufferSize = 8 + 24*MaxPhysLUN
)

// Retry and recovery defaults
const (
	// MaxDriverCmdRetries bounds unit-attention and busy retries of internal commands
	MaxDriverCmdRetries = 25

	// DriverCmdRetriesBeforeBackoff are retried immediately
	DriverCmdRetriesBeforeBackoff = 3

	// DriverCmdInitialBackoff is the first delay once backoff starts
	DriverCmdInitialBackoff = 10 * time.Millisecond

	// DriverCmdMaxBackoff caps the internal retry delay
	DriverCmdMaxBackoff = 1000 * time.Millisecond

	// TURRetryLimit bounds readiness probes after a reset
	TURRetryLimit = 20

	// TURInitialWait is slept before the first readiness probe
	TURInitialWait = 1 * time.Second

	// MaxWaitInterval caps the readiness probe interval
	MaxWaitInterval = 30 * time.Second

	// AbortSlotWait bounds the wait for an abort slot
	AbortSlotWait = 5 * time.Second

	// EmulatedAbortDelay is waited before an emulated abort resets the LUN
	EmulatedAbortDelay = 30 * time.Second

	// OfflineMonitorInterval is the re-poll period for offline volumes
	OfflineMonitorInterval = 10 * time.Second

	// RescanRetryBackoff is the first delay before a failed background
	// rescan runs again. It doubles up to RescanRetryMaxBackoff.
	RescanRetryBackoff    = time.Second
	RescanRetryMaxBackoff = time.Minute
)

// Cache flush
const (
	// CacheFlushBufferSize is the zero-filled buffer sent with BMIC cache flush
	CacheFlushBufferSize = 4096
)
