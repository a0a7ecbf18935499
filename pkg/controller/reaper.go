package controller

import (
	"context"
	"time"

	"quiltmesh/pkg/logx"
)

// RunReaper owns a timer and a reference to svc only, never any HTTP
// state. It sweeps every interval until ctx is cancelled.
func RunReaper(ctx context.Context, svc *Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.ReapOnce(); n > 0 {
				logx.Infof("controller: reaper marked %d node(s) down", n)
			}
		}
	}
}
