package progress

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Handler serves the monitoring surface: Prometheus metrics on /metrics
// and the JSON stats snapshot on /stats. Mount it on whatever listener
// the embedding process owns.
func (t *Tracker) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/stats", t.serveStats).Methods(http.MethodGet)
	return router
}

func (t *Tracker) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(t.Stats()); err != nil {
		log.WithError(err).Warn("encoding stats snapshot")
	}
}
