// Package health renders the {"status": ...} dependency report served on
// /health by every analytics service.
package health

import (
	"context"
	"net/http"

	"github.com/kada-mandiya/analytics/common/httputil"
	"github.com/kada-mandiya/analytics/common/messaging"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Probe is one named dependency check.
type Probe struct {
	Name    string
	Checker messaging.HealthChecker
}

// Report runs every probe. Each appears as name: ok|degraded, with a
// name_error entry on failure; one failing probe degrades the whole report.
func Report(ctx context.Context, probes ...Probe) map[string]any {
	out := map[string]any{"status": StatusOK}
	for _, p := range probes {
		st := messaging.Check(ctx, p.Checker)
		if st.OK {
			out[p.Name] = StatusOK
			continue
		}
		out[p.Name] = StatusDegraded
		out[p.Name+"_error"] = st.Error
		out["status"] = StatusDegraded
	}
	return out
}

// Handler serves Report as JSON. Degraded reports are still status 200.
func Handler(probes ...Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, Report(r.Context(), probes...))
	}
}
