package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// sleepHandler waits for the duration in payload, "100ms" when empty.
func sleepHandler(ctx context.Context, payload []byte) error {
	d := 100 * time.Millisecond
	if s := strings.TrimSpace(string(payload)); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("sleep payload: %w", err)
		}
		d = parsed
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
