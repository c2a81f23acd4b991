package engine

import (
	"context"
	"fmt"
	"io"
	"slices"
)

// EnsureReady checks that the Engine is reachable. For engines that host
// models locally, missing models are pulled with progress written to w.
func EnsureReady(ctx context.Context, e Engine, models []string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("%s engine is not reachable; check engine.base_url and credentials", e.Name())
	}

	mm, ok := Models(e)
	if !ok {
		fmt.Fprintf(w, "engine %s: ready\n", e.Name())
		return nil
	}

	var seen []string
	for _, model := range models {
		if model == "" || slices.Contains(seen, model) {
			continue
		}
		seen = append(seen, model)

		if mm.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := mm.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
