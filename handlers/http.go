package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

// NewRouter registers the scanner's HTTP routes.
func NewRouter(srv *ScannerServer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthCheckHandler)
	mux.HandleFunc("/scan", srv.HandleScan)
	return mux
}

func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}
