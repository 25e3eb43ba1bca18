package app

// StopReason is logged by Stop.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopNotConfirmed StopReason = "not_confirmed"
)
