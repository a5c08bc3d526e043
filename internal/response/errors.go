package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound           ErrCode = "NOT_FOUND"
	ErrSessionNotAttached ErrCode = "SESSION_NOT_ATTACHED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrValidation:
		return "Data yang dikirim tidak valid."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload tidak dapat diproses."
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrSessionNotAttached:
		return "Tidak ada sesi proctoring yang terhubung dengan ID tersebut."
	case ErrInternal:
		return "Terjadi kesalahan pada server."
	default:
		return "Terjadi kesalahan."
	}
}
