// Command mock-agent is a local HTTP diagnostic agent for exercising the
// remediator without real tooling. Its verdict is driven by the issue class:
// classes containing "flaky" fail, "unknown" comes back inconclusive, and
// everything else reports a fix.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

type task struct {
	IssueID     int64  `json:"issue_id"`
	Class       string `json:"class"`
	Description string `json:"description"`
	Evidence    string `json:"evidence,omitempty"`
	Attempt     int    `json:"attempt"`
}

type report struct {
	Protocol   string  `json:"protocol"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	token := flag.String("token", "", "require this bearer token")
	delay := flag.Duration("delay", 500*time.Millisecond, "simulated diagnosis time")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnose", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		if *token != "" && r.Header.Get("Authorization") != "Bearer "+*token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var t task
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&t); err != nil {
			http.Error(w, "bad task: "+err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-time.After(*delay):
		case <-r.Context().Done():
			return
		}
		writeJSON(w, diagnose(t))
	})

	logger := log.New(log.Writer(), "agent-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    *addr,
		Handler: logRequests(logger, mux),
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func diagnose(t task) report {
	class := strings.ToLower(t.Class)
	switch {
	case strings.Contains(class, "flaky"):
		return report{
			Protocol:   "1.0.0",
			Verdict:    "fix-failed",
			Confidence: 0.6 + rand.Float64()*0.3,
			Evidence:   fmt.Sprintf("restart of %s did not clear the symptom (attempt %d)", t.Class, t.Attempt),
		}
	case strings.Contains(class, "unknown"):
		return report{Protocol: "1.0.0", Verdict: "inconclusive", Evidence: "no matching runbook"}
	}
	return report{
		Protocol:   "1.0.0",
		Verdict:    "fix-applied",
		Confidence: 0.7 + rand.Float64()*0.3,
		Evidence:   fmt.Sprintf("restarted %s; health probe green", t.Class),
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
