package app

import "context"

// Confirmer asks the invoking user a yes/no question. Implementations should
// return ctx.Err() when the context ends before an answer arrives.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// Answer is a confirmation given up front, as API callers do. A nil answer
// behaves like a user who never replies.
func Answer(answer *bool) Confirmer {
	return ConfirmFunc(func(ctx context.Context, _ string) (bool, error) {
		if answer == nil {
			return false, context.DeadlineExceeded
		}
		return *answer, nil
	})
}
