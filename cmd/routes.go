package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kynara/pg-service-pools/pkg/pool"
)

func (ac *appContext) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", ac.getHealth).Methods("GET")
	r.HandleFunc("/health/services", ac.getServiceHealth).Methods("GET")
	r.HandleFunc("/health/history", ac.getHealthHistory).Methods("GET")
	r.HandleFunc("/interference", ac.getInterference).Methods("GET")
	r.HandleFunc("/poolstats/{service}", ac.getPoolStats).Methods("GET")
	return r
}

// getHealth always answers with a well-formed payload, including during
// an outage. That is the point of this endpoint.
func (ac *appContext) getHealth(w http.ResponseWriter, r *http.Request) {
	payload := ac.DB.Health(r.Context())
	status := http.StatusOK
	if !payload.Healthy {
		status = http.StatusServiceUnavailable
	}
	if err := ac.writeJSON(w, status, envelope{"health": payload}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getServiceHealth(w http.ResponseWriter, r *http.Request) {
	agg, ok := ac.DB.Check(r.Context())
	if !ok {
		ac.errorResponse(w, http.StatusServiceUnavailable, "database layer not initialized")
		return
	}
	if err := ac.writeJSON(w, http.StatusOK, envelope{"aggregateHealth": agg}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getHealthHistory(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			window = parsed
		}
	}
	history := ac.DB.History(window)
	if err := ac.writeJSON(w, http.StatusOK, envelope{"history": history}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getInterference(w http.ResponseWriter, r *http.Request) {
	report, ok := ac.DB.Interference(r.Context())
	if !ok {
		ac.errorResponse(w, http.StatusServiceUnavailable, "database layer not initialized")
		return
	}
	if err := ac.writeJSON(w, http.StatusOK, envelope{"interference": report}, nil); err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getPoolStats(w http.ResponseWriter, r *http.Request) {
	service := pool.Classification(mux.Vars(r)["service"])
	mgr := ac.DB.Manager()
	if mgr == nil {
		ac.errorResponse(w, http.StatusServiceUnavailable, "database layer not initialized")
		return
	}
	known := false
	for _, class := range pool.Classifications() {
		if class == service {
			known = true
			break
		}
	}
	if !known {
		ac.errorResponse(w, http.StatusNotFound, "unknown service classification")
		return
	}
	stats := mgr.PoolMetrics(service)
	if err := ac.writeJSON(w, http.StatusOK, envelope{"service": service, "poolStats": stats}, nil); err != nil {
		ac.logError(err)
	}
}
