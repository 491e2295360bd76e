package chat

import (
	"errors"
	"fmt"

	"listing-chat/internal/repositories"
)

var (
	// ErrNotFound means the chat or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller is not a participant of the chat.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError rejects malformed input before anything is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// translate maps repository errors onto the service taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrChatNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repositories.ErrNotParticipant):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case errors.Is(err, repositories.ErrInvalidParticipants):
		return &ValidationError{Field: "receiver_id", Reason: err.Error()}
	default:
		return err
	}
}
