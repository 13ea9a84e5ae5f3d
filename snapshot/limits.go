package snapshot

// PageSize is the dirty-tracking and sparse-codec page granularity, fixed
// for the whole machine.
const PageSize = 4096

// Decode-side bounds. A snapshot that exceeds these is rejected as corrupt
// before any allocation of the stated size happens.
const (
	maxCPUs           = 256
	maxDevices        = 4096
	maxEnvelopeLen    = 64 << 20
	maxDevicesSection = 256 << 20
	maxDiskOverlays   = 64
	maxSparseBuffer   = 512 << 20
)
