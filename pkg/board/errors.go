package board

import "github.com/robotalks/peridot.go/pkg/link"

var (
	// ErrConfigInProgress is returned when Configure or Reconfig is already running.
	ErrConfigInProgress = &link.ConnectionError{Msg: "configuration is now in progress"}
	// ErrResetInProgress is returned when Reset is already running.
	ErrResetInProgress = &link.ConnectionError{Msg: "reset is now in progress"}
	// ErrInfoNotLoaded is returned by GetInfo before the EEPROM header is read.
	ErrInfoNotLoaded = &link.ProtocolError{Op: "getinfo", Msg: "boardinfo not loaded"}
)

// ConfigurationError reports a refused or failed FPGA configuration.
type ConfigurationError struct {
	Msg string
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	return e.Msg
}

// EEPROMError wraps a failure while reading the board EEPROM.
type EEPROMError struct {
	Addr int
	Err  error
}

// Error implements error.
func (e *EEPROMError) Error() string {
	return "EEPROM read failed: " + e.Err.Error()
}

// Unwrap returns the I2C failure.
func (e *EEPROMError) Unwrap() error {
	return e.Err
}
