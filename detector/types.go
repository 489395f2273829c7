package detector

// ShutterMode selects who drives the shutter.
type ShutterMode int

const (
	ShutterNone ShutterMode = iota
	// ShutterEPICS means the shutter is driven outside the detector server.
	ShutterEPICS
	// ShutterDetector means the detector server opens and closes the shutter
	// around each exposure.
	ShutterDetector
)

// TriggerMode selects how exposures are started.
type TriggerMode int

const (
	TriggerInternal TriggerMode = iota
	TriggerExternal
	TriggerAlignment
)

// ImageMode selects how many images one acquire request produces.
type ImageMode int

const (
	ImageSingle ImageMode = iota
	ImageMultiple
	ImageContinuous
)

// DataTypeUInt16 is the registry code of unsigned 16-bit pixel data.
const DataTypeUInt16 = 3
