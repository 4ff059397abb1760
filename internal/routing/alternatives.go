package routing

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// FindAlternatives returns up to n routes that differ from primary. Each
// candidate is the best route with one edge of primary removed, tried in
// path order.
func (e *Engine) FindAlternatives(ctx context.Context, req Request, primary []string, n int) ([]Route, error) {
	if n <= 0 || len(primary) == 0 {
		return nil, nil
	}
	seen := map[string]struct{}{strings.Join(primary, ","): {}}
	var out []Route
	for _, edge := range primary {
		alt := req
		alt.Exclude = append(slices.Clone(req.Exclude), edge)
		route, err := e.FindPath(ctx, alt)
		if errors.Is(err, ErrNoPath) {
			continue
		}
		if err != nil {
			return out, err
		}
		key := strings.Join(route.Path, ",")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, route)
		if len(out) == n {
			break
		}
	}
	return out, nil
}
