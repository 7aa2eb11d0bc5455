package hpsa

import (
	"github.com/ehrlich-b/go-hpsa/internal/interfaces"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// Boundary types, re-exported so hardware and hosts can be implemented
// outside this module
type (
	Hardware        = interfaces.Hardware
	Registers       = interfaces.Registers
	ConfigTable     = interfaces.ConfigTable
	HostMemory      = interfaces.HostMemory
	Capabilities    = interfaces.Capabilities
	TransportConfig = interfaces.TransportConfig
	Host            = interfaces.Host
	Store           = interfaces.Store
)

// Device is a snapshot of one device table entry
type Device = topology.Device

// LUNAddr is the 8-byte address the controller knows a device by
type LUNAddr = topology.Addr

// Result is host<<16 | SCSI status
type Result = scsi.Result

// Outcome classifies a completion
type Outcome = scsi.Outcome

// Host bytes of a Result
const (
	DIDOk        = scsi.DIDOk
	DIDNoConnect = scsi.DIDNoConnect
	DIDTimeOut   = scsi.DIDTimeOut
	DIDError     = scsi.DIDError
	DIDReset     = scsi.DIDReset
	DIDSoftError = scsi.DIDSoftError
)
