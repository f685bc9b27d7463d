package services

import "errors"

var (
	// ErrScanInProgress is returned when another scan holds a live lock.
	ErrScanInProgress = errors.New("Scan already in progress")

	// ErrConfirmationRequired is returned by reset without an explicit confirmation.
	ErrConfirmationRequired = errors.New("Confirmation required. Pass confirm: true or 'RESET'.")

	// ErrResetWhileScanning is returned by reset while a scan holds a live lock.
	ErrResetWhileScanning = errors.New("Scan in progress. Try again later.")

	// ErrUnsupportedAction is wrapped with the offending action name.
	ErrUnsupportedAction = errors.New("Unsupported action")

	// ErrInvalidSchedule is wrapped with the cron parser's message.
	ErrInvalidSchedule = errors.New("invalid cron expression")

	// ErrSettingsRequired is returned when saving a nil settings object.
	ErrSettingsRequired = errors.New("settings payload is required")
)
