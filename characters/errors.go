package characters

import "errors"

var (
	// ErrValidation wraps every rejected-before-mutation condition. The
	// wrapped message is safe to show to the caller.
	ErrValidation = errors.New("characters: validation failed")

	// ErrNotFound is returned when a selector resolves to no rows.
	ErrNotFound = errors.New("characters: character not found")

	// ErrModelStage marks a model-attach failure after profile, memory and
	// voice were already committed. Callers report it as a narrower failure
	// instead of rolling the committed stages back.
	ErrModelStage = errors.New("characters: model attach failed")
)
