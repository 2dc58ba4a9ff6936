package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/sessionpay/internal/httputil"
)

var startedAt = time.Now()

// health reports liveness plus host statistics. Failing readings are omitted
// rather than failing the check.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{
		"status":     "ok",
		"uptime":     time.Since(startedAt).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
		"paused":     h.app.Engine.Paused(ctx),
		"services":   h.app.Services(),
		"events":     h.app.Feed.Count(),
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		out["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["memory"] = map[string]any{
			"total":        vm.Total,
			"used":         vm.Used,
			"used_percent": vm.UsedPercent,
		}
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		out["host_uptime_seconds"] = up
	}
	httputil.WriteSuccess(w, http.StatusOK, out)
}
