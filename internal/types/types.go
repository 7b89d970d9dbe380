package types

// Op selects what an engine worker does with a request image.
type Op byte

const (
	OpDetect   Op = 'D' // locate faces in a full frame
	OpClassify Op = 'C' // score one face crop
)

func (o Op) String() string {
	switch o {
	case OpDetect:
		return "detect"
	case OpClassify:
		return "classify"
	default:
		return "unknown"
	}
}

// Status is the first byte of every engine response.
type Status byte

const (
	StatusOK    Status = 0
	StatusError Status = 1
)

// Box is a face bounding box as the engine reports it: x1, y1, x2, y2 in pixels.
type Box [4]int32

// EngineSpec selects the model an engine process loads at startup.
type EngineSpec struct {
	Python             string  // interpreter binary
	Script             string  // engine entrypoint
	Model              string  // xception, mesonet, efficientnet
	Weights            string  // path to the model weights
	DetectionThreshold float64 // MTCNN confidence cut-off
}
