package bunx

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUID string used for primary keys and event ids.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
