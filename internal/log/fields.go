// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldBroadcastID = "broadcast_id"
	FieldAttemptID   = "attempt_id"
	FieldRequestID   = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"
	FieldExitCode  = "exit_code"
	FieldSignal    = "signal"

	// Media / stream fields
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldBitrate    = "bitrate_kbps"
	FieldTimemark   = "timemark"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldErrorKind = "error_kind"

	// Path / URL fields
	FieldPath         = "path"
	FieldManifestPath = "manifest_path"
	FieldDestination  = "destination"
)
