// Package metrics exposes Prometheus-compatible counters for the recovery
// backend on a dedicated listener, separate from the API server.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

var (
	accessInitiated   = metrics.NewCounter("recovery_access_initiated_total")
	accessCancelled   = metrics.NewCounter("recovery_access_cancelled_total")
	shardsRetrieved   = metrics.NewCounter("recovery_shards_retrieved_total")
	policiesReplaced  = metrics.NewCounter("recovery_policies_replaced_total")
	approverConfirmed = metrics.NewCounter("recovery_approver_confirmed_total")
	approverRejected  = metrics.NewCounter("recovery_approver_rejected_total")
)

// IncAccessInitiated counts a new access request accepted by the authority.
func IncAccessInitiated() { accessInitiated.Inc() }

// IncAccessCancelled counts a cancelled access request.
func IncAccessCancelled() { accessCancelled.Inc() }

// IncShardsRetrieved counts a successful shard release.
func IncShardsRetrieved() { shardsRetrieved.Inc() }

// IncPoliciesReplaced counts a committed policy replacement.
func IncPoliciesReplaced() { policiesReplaced.Inc() }

// IncApproverConfirmed counts an approver verification accepted by an owner.
func IncApproverConfirmed() { approverConfirmed.Inc() }

// IncApproverRejected counts an approver verification rejected by an owner.
func IncApproverRejected() { approverRejected.Inc() }

// MetricsServer serves the /metrics endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr.
func New(serviceName, addr string) (*MetricsServer, error) {
	if addr == "" {
		return &MetricsServer{}, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# service %s\n", serviceName)
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{srv: &http.Server{Addr: addr, Handler: mux}}, nil
}

// ListenAndServe blocks serving metrics until shutdown.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
