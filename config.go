package hpsa

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-hpsa/internal/constants"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
	"github.com/ehrlich-b/go-hpsa/internal/recovery"
	"github.com/ehrlich-b/go-hpsa/internal/topology"
)

// Transport modes accepted in Config.TransportMode
const (
	TransportAuto       = "auto"
	TransportSimple     = "simple"
	TransportPerformant = "performant"
)

// RetryConfig is a bounded retry schedule: Immediate retries without
// delay, then Backoff doubling up to MaxBackoff, Limit attempts in all.
type RetryConfig struct {
	Limit      uint
	Immediate  uint
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// RecoveryConfig holds the abort and reset timings
type RecoveryConfig struct {
	// TURRetryLimit bounds the readiness probes sent after a reset
	TURRetryLimit uint

	// InitialWait is slept before the first readiness probe
	InitialWait time.Duration

	// MaxWaitInterval caps the readiness probe interval
	MaxWaitInterval time.Duration

	// AbortSlotWait bounds the wait for a free abort command
	AbortSlotWait time.Duration

	// EmulatedAbortDelay is given to the hardware to finish a command on
	// its own before an emulated abort resets the unit
	EmulatedAbortDelay time.Duration
}

// Config contains the parameters of a controller instance
type Config struct {
	// ControllerID tags logs and metrics
	ControllerID int

	// Command pools. Zero sizes take the defaults; MaxCommands is further
	// capped by what the controller advertises.
	MaxCommands            int
	ReservedForDriver      int
	ReservedForAborts      int
	MaxConcurrentPassthrus int
	AdminCommands          int

	// MaxInlineSG is the number of scatter-gather descriptors carried in
	// the command block itself
	MaxInlineSG int

	// TransportMode is "auto", "simple" or "performant"
	TransportMode string

	// ReplyQueues is the number of performant reply rings requested
	ReplyQueues int

	InternalRetry RetryConfig
	Recovery      RecoveryConfig

	// Limits caps what a topology scan accepts
	Limits topology.Limits

	// OfflineMonitorInterval is how often offline volumes are re-polled.
	// Zero disables the monitor.
	OfflineMonitorInterval time.Duration

	// RescanRetry paces the retries of a failed background rescan. Only
	// Backoff and MaxBackoff are used; retries go on until one succeeds.
	RescanRetry RetryConfig

	// RescanOnUnitAttention schedules a rescan when a request sees
	// "reported LUNs data has changed"
	RescanOnUnitAttention bool

	// Logger for controller messages (nil uses the default logger)
	Logger *logging.Logger

	// Observer for metrics collection (nil records into the controller's Metrics)
	Observer Observer
}

// DefaultConfig returns default controller parameters
func DefaultConfig() Config {
	return Config{
		MaxCommands:            constants.DefaultMaxCommands,
		ReservedForDriver:      constants.CmdsReservedForDriver,
		ReservedForAborts:      constants.CmdsReservedForAborts,
		MaxConcurrentPassthrus: constants.MaxConcurrentPassthrus,
		AdminCommands:          constants.DefaultAdminCommands,
		MaxInlineSG:            constants.SGEntriesInCmd,
		TransportMode:          TransportAuto,
		ReplyQueues:            1,
		InternalRetry: RetryConfig{
			Limit:      constants.MaxDriverCmdRetries + 1,
			Immediate:  constants.DriverCmdRetriesBeforeBackoff,
			Backoff:    constants.DriverCmdInitialBackoff,
			MaxBackoff: constants.DriverCmdMaxBackoff,
		},
		Recovery: RecoveryConfig{
			TURRetryLimit:      constants.TURRetryLimit,
			InitialWait:        constants.TURInitialWait,
			MaxWaitInterval:    constants.MaxWaitInterval,
			AbortSlotWait:      constants.AbortSlotWait,
			EmulatedAbortDelay: constants.EmulatedAbortDelay,
		},
		Limits:                 topology.DefaultLimits(),
		OfflineMonitorInterval: constants.OfflineMonitorInterval,
		RescanRetry: RetryConfig{
			Backoff:    constants.RescanRetryBackoff,
			MaxBackoff: constants.RescanRetryMaxBackoff,
		},
		RescanOnUnitAttention: true,
	}
}

// Validate checks the parameters and fills in zero pool sizes
func (c *Config) Validate() error {
	if c.MaxCommands <= 0 {
		c.MaxCommands = constants.DefaultMaxCommands
	}
	if c.AdminCommands <= 0 {
		c.AdminCommands = constants.DefaultAdminCommands
	}
	if c.MaxConcurrentPassthrus <= 0 {
		c.MaxConcurrentPassthrus = constants.MaxConcurrentPassthrus
	}
	if c.ReservedForAborts <= 0 {
		c.ReservedForAborts = constants.CmdsReservedForAborts
	}
	if c.ReservedForDriver < 0 {
		return NewError("CONFIG", ErrCodeInvalidParameters, "ReservedForDriver is negative")
	}
	if c.MaxInlineSG == 0 {
		c.MaxInlineSG = constants.SGEntriesInCmd
	}
	if c.MaxInlineSG < 2 {
		return NewError("CONFIG", ErrCodeInvalidParameters, fmt.Sprintf("MaxInlineSG %d below 2", c.MaxInlineSG))
	}
	if c.ReplyQueues <= 0 {
		c.ReplyQueues = 1
	}
	if c.RescanRetry.Backoff <= 0 {
		c.RescanRetry.Backoff = constants.RescanRetryBackoff
	}
	if c.RescanRetry.MaxBackoff < c.RescanRetry.Backoff {
		c.RescanRetry.MaxBackoff = max(c.RescanRetry.Backoff, constants.RescanRetryMaxBackoff)
	}
	if c.Limits == (topology.Limits{}) {
		c.Limits = topology.DefaultLimits()
	}
	switch c.TransportMode {
	case "":
		c.TransportMode = TransportAuto
	case TransportAuto, TransportSimple, TransportPerformant:
	default:
		return NewError("CONFIG", ErrCodeInvalidParameters, fmt.Sprintf("unknown transport mode %q", c.TransportMode))
	}
	return nil
}

func (r RetryConfig) policy() recovery.Policy {
	return recovery.Policy{
		Attempts:  r.Limit,
		Immediate: r.Immediate,
		Initial:   r.Backoff,
		Max:       r.MaxBackoff,
	}
}

func (r RecoveryConfig) readinessPolicy() recovery.Policy {
	return recovery.ReadinessPolicy(r.TURRetryLimit, r.InitialWait, r.MaxWaitInterval)
}
