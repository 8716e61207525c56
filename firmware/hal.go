package firmware

// SPIBusID identifies a hardware SPI bus.
type SPIBusID uint8

// SPIMode is the clock polarity and phase (0-3).
type SPIMode uint8

// SPIConfig holds the configuration for an SPI bus.
type SPIConfig struct {
	BusID SPIBusID
	Mode  SPIMode
	Rate  uint32 // Hz
}

// SPIDriver is the SPI hardware the firmware runs on.
type SPIDriver interface {
	// ConfigureBus sets up a bus and returns an opaque handle for Transfer.
	ConfigureBus(config SPIConfig) (any, error)

	// Transfer clocks out txData while filling rxData (same length).
	Transfer(busHandle any, txData []byte, rxData []byte) error
}

// GPIOPin is a hardware pin number.
type GPIOPin uint32

// GPIODriver is the pin hardware the firmware runs on.
type GPIODriver interface {
	ConfigureOutput(pin GPIOPin) error
	ConfigureInput(pin GPIOPin, pullUp bool) error
	SetPin(pin GPIOPin, value bool) error
	GetPin(pin GPIOPin) (bool, error)

	// WatchFalling calls fn on every high to low transition of pin. fn may
	// run on any goroutine and must not block.
	WatchFalling(pin GPIOPin, fn func()) error
}
