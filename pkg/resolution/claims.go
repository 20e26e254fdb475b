package resolution

import (
	"context"
	"errors"
)

// ClaimLost reports that a uniqueness claim on key is held by owner
func ClaimLost(key, owner string) *Error {
	return NewErrorf(KindConstraintRace, "claim %s held by %s", key, owner).AddMeta("owner", owner)
}

// ClaimOwner extracts the winning entity from a ClaimLost error
func ClaimOwner(err error) (string, bool) {
	var resErr *Error
	if !errors.As(err, &resErr) || resErr.Kind != KindConstraintRace {
		return "", false
	}
	owner, ok := resErr.Meta["owner"].(string)
	return owner, ok && owner != ""
}

// RetryRaces re-runs attempt while it fails with a constraint race, at most
// maxRetries times. onRace is told the claim owner, when known, before each retry.
func RetryRaces(ctx context.Context, maxRetries int, attempt func(ctx context.Context) error, onRace func(owner string)) error {
	for i := 0; ; i++ {
		err := attempt(ctx)
		if err == nil || !IsKind(err, KindConstraintRace) || i >= maxRetries {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		owner, _ := ClaimOwner(err)
		if onRace != nil {
			onRace(owner)
		}
	}
}
