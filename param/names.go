package param

// Parameter names understood by the detector. The names follow the areaDetector
// driver-info strings so that existing clients can address them unchanged.
const (
	Manufacturer = "MANUFACTURER"
	Model        = "MODEL"
	MaxSizeX     = "MAX_SIZE_X"
	MaxSizeY     = "MAX_SIZE_Y"
	SizeX        = "SIZE_X"
	SizeY        = "SIZE_Y"
	ImageSizeX   = "IMAGE_SIZE_X"
	ImageSizeY   = "IMAGE_SIZE_Y"
	ImageSize    = "IMAGE_SIZE"
	DataType     = "DATA_TYPE"
	ImageMode    = "IMAGE_MODE"
	TriggerMode  = "TRIGGER_MODE"
	NumImages    = "NIMAGES"

	AcquireTime   = "ACQ_TIME"
	AcquirePeriod = "ACQ_PERIOD"
	Acquire       = "ACQUIRE"
	TimeRemaining = "TIME_REMAINING"
	ImageCounter  = "IMAGE_COUNTER"

	Status        = "STATUS"
	StatusMessage = "STATUS_MESSAGE"

	StringToServer   = "STRING_TO_SERVER"
	StringFromServer = "STRING_FROM_SERVER"

	BinX = "BIN_X"
	BinY = "BIN_Y"

	FrameType = "FRAME_TYPE"
	AutoSave  = "AUTO_SAVE"
	WriteFile = "WRITE_FILE"
	Overlap   = "OVERLAP"

	FilePath      = "FILE_PATH"
	FileName      = "FILE_NAME"
	FileNumber    = "FILE_NUMBER"
	FileTemplate  = "FILE_TEMPLATE"
	AutoIncrement = "AUTO_INCREMENT"
	FullFileName  = "FULL_FILE_NAME"

	ShutterMode       = "SHUTTER_MODE"
	ShutterOpenDelay  = "SHUTTER_OPEN_DELAY"
	ShutterCloseDelay = "SHUTTER_CLOSE_DELAY"

	TiffTimeout = "TIFF_TIMEOUT"

	AcquireTaskStatus  = "MAR_ACQUIRE_STATUS"
	ReadoutTaskStatus  = "MAR_READOUT_STATUS"
	CorrectTaskStatus  = "MAR_CORRECT_STATUS"
	WritingTaskStatus  = "MAR_WRITING_STATUS"
	DezingerTaskStatus = "MAR_DEZINGER_STATUS"
)
