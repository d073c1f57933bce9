package gpu

// Library reads sensor values from every GPU a driver exposes.
type Library interface {
	// Initialize loads the driver library. It is safe to call repeatedly.
	Initialize() error
	Shutdown() error

	// Readings samples every device. Individual values that the device
	// does not support are nil.
	Readings() ([]Reading, error)
}

// Reading is one sample of a GPU's sensors.
type Reading struct {
	Index         int
	Name          string
	UUID          string
	Temperature   *float64 // °C
	FanSpeeds     []*float64
	PowerUsage    *float64 // W
	GraphicsClock *float64 // Hz
}
