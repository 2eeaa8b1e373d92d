package execution

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"saxobot/internal/domain"
)

func newRecon(t *testing.T, handler http.HandlerFunc) *Reconciler {
	t.Helper()
	return NewReconciler(newTestBrokerClient(t, handler), 10*time.Second, discard())
}

func TestReconcile_ByOrderID(t *testing.T) {
	tests := []struct {
		name        string
		orderStatus string
		want        domain.ReconciliationStatus
	}{
		{"working order", "Working", domain.ReconFoundWorking},
		{"filled order", "Filled", domain.ReconFoundFilled},
		{"cancelled order", "Cancelled", domain.ReconFoundCancelled},
		{"rejected order", "Rejected", domain.ReconFoundCancelled},
		{"unclassified state stays safe", "SomeNewState", domain.ReconFoundWorking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecon(t, func(w http.ResponseWriter, req *http.Request) {
				if req.URL.Path != "/port/v1/orders/ck/5001" {
					t.Errorf("path = %s", req.URL.Path)
				}
				fmt.Fprintf(w, `{"OrderId": "5001", "Status": %q}`, tt.orderStatus)
			})

			out := r.Reconcile(context.Background(), buyIntent(t, "10"), "5001")
			if out.Status != tt.want {
				t.Errorf("status = %v, want %v", out.Status, tt.want)
			}
			if out.DegradedConfidence {
				t.Error("by-id lookup is authoritative")
			}
		})
	}
}

func TestReconcile_ByOrderID_NotFound(t *testing.T) {
	r := newRecon(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte(`{"ErrorCode": "OrderNotFound", "Message": "gone"}`))
	})

	out := r.Reconcile(context.Background(), buyIntent(t, "10"), "5001")
	if out.Status != domain.ReconNotFound || out.DegradedConfidence {
		t.Errorf("outcome = %+v", out)
	}
}

func TestReconcile_QueryFailure(t *testing.T) {
	r := newRecon(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(500)
	})

	out := r.Reconcile(context.Background(), buyIntent(t, "10"), "5001")
	if out.Status != domain.ReconQueryFailed {
		t.Errorf("status = %v, want query_failed", out.Status)
	}
	if out.ErrorMessage == "" {
		t.Error("query failure should carry the error")
	}
}

func TestReconcile_ExternalReferenceScan(t *testing.T) {
	t.Run("match found is degraded confidence", func(t *testing.T) {
		r := newRecon(t, func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != "/port/v1/orders" {
				t.Errorf("path = %s", req.URL.Path)
			}
			w.Write([]byte(`{"Data": [
				{"OrderId": "4000", "Status": "Working", "ExternalReference": "E005:other:1:ffff"},
				{"OrderId": "5002", "Status": "Working", "ExternalReference": "E005:test:211:aaaa"}
			]}`))
		})

		out := r.Reconcile(context.Background(), buyIntent(t, "10"), "")
		if out.Status != domain.ReconFoundWorking || out.OrderID != "5002" {
			t.Fatalf("outcome = %+v", out)
		}
		if !out.DegradedConfidence {
			t.Error("scan results must be flagged degraded")
		}
	})

	t.Run("no match is degraded not-found", func(t *testing.T) {
		r := newRecon(t, func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte(`{"Data": []}`))
		})
		out := r.Reconcile(context.Background(), buyIntent(t, "10"), "")
		if out.Status != domain.ReconNotFound || !out.DegradedConfidence {
			t.Errorf("outcome = %+v", out)
		}
	})
}
