package hpsa

import (
	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// Re-export constants for public API
const (
	DefaultMaxCommands        = constants.DefaultMaxCommands
	DefaultAdminCommands      = constants.DefaultAdminCommands
	CmdsReservedForDriver     = constants.CmdsReservedForDriver
	CmdsReservedForAborts     = constants.CmdsReservedForAborts
	MaxConcurrentPassthrus    = constants.MaxConcurrentPassthrus
	SGEntriesInCmd            = constants.SGEntriesInCmd
	MaxPhysLUN                = constants.MaxPhysLUN
	MaxLogicalLUN             = constants.MaxLogicalLUN
	MaxDevices                = constants.MaxDevices
	DefaultTURRetryLimit      = constants.TURRetryLimit
	DefaultOfflineMonitorTick = constants.OfflineMonitorInterval
)

// Bus numbers devices are reported on
const (
	BusLogical    = topology.BusLogical
	BusExternal   = topology.BusExternal
	BusPhysical   = topology.BusPhysical
	BusController = topology.BusController
)
