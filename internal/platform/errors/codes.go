package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Test errors
	CodeTestNotFound          Code = "TEST_NOT_FOUND"
	CodeTestAlreadyShuffled   Code = "TEST_ALREADY_SHUFFLED"
	CodeTestNotShuffled       Code = "TEST_NOT_SHUFFLED"
	CodeTestTargetEmpty       Code = "TEST_TARGET_EMPTY"
	CodeTestInvalidDifficulty Code = "TEST_INVALID_DIFFICULTY"

	// Authorization errors
	CodeActionNotPermitted Code = "ACTION_NOT_PERMITTED"

	// Sheet errors
	CodeSheetNameEmpty     Code = "SHEET_NAME_EMPTY"
	CodeSheetUnknownSlot   Code = "SHEET_UNKNOWN_SLOT"
	CodeSheetSlotOccupied  Code = "SHEET_SLOT_OCCUPIED"
	CodeSheetTokenNotDrawn Code = "SHEET_TOKEN_NOT_DRAWN"

	// Storage errors
	CodeNotFound        Code = "NOT_FOUND"
	CodeVersionConflict Code = "VERSION_CONFLICT"
	CodeStoreClosed     Code = "STORE_CLOSED"
)
