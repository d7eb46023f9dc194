package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// FetchFunc fetches a subsection payload from one candidate source.
type FetchFunc func(ctx context.Context, sourceID string) (json.RawMessage, error)

// FirstSuccess evaluates an ordered candidate list: sources are tried
// strictly in order and the first success short-circuits — later
// candidates are never consulted. When every candidate fails the joined
// errors are returned. The ordering lives in the candidates slice, as
// data, not as nested control flow.
func FirstSuccess(ctx context.Context, candidates []string, fetch FetchFunc) (json.RawMessage, string, error) {
	if len(candidates) == 0 {
		return nil, "", errors.New("consolidate: no candidate sources")
	}

	var errs []error
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		payload, err := fetch(ctx, id)
		if err == nil {
			return payload, id, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
	}
	return nil, "", errors.Join(errs...)
}
