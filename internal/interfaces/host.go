package interfaces

// Host is the OS storage stack's view of the attached devices. Calls are
// keyed by bus/target/lun and are made without any driver lock held.
type Host interface {
	// AddDevice attaches a device. A non-nil error makes the driver roll the
	// device back out of its own table.
	AddDevice(bus, target, lun int) error

	// RemoveDevice detaches a device
	RemoveDevice(bus, target, lun int)
}

// Store is a block store behind a simulated logical unit. It is shaped
// like io.ReaderAt and io.WriterAt.
type Store interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the store in bytes
	Size() int64

	// Flush flushes any cached writes to stable storage
	Flush() error

	// Close releases the store
	Close() error
}
