package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/VitalyOstanin/flowcraft/internal/log"
	"github.com/VitalyOstanin/flowcraft/pkg/engine"
	"github.com/VitalyOstanin/flowcraft/pkg/models"
)

// NewHandler wires the REST surface over the engine. Runs execute
// synchronously within the request; long workflows belong behind the
// CLI, the HTTP surface exists for inspection and control.
func NewHandler(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/workflows", workflowsHandler(eng))
	mux.HandleFunc("/runs", runsHandler(eng))
	mux.HandleFunc("/runs/status", statusHandler(eng))
	mux.HandleFunc("/runs/resume", resumeHandler(eng))
	mux.HandleFunc("/runs/skip", skipHandler(eng))
	mux.HandleFunc("/runs/cancel", cancelHandler(eng))
	mux.HandleFunc("/checkpoints", checkpointsHandler(eng))
	mux.HandleFunc("/trust", trustHandler(eng))
	return mux
}

func StartServer(port string, eng *engine.Engine) error {
	log.GetLogger().Infof("Starting FlowCraft server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(eng))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "FlowCraft server is running")
}

func workflowsHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, eng.Workflows())
	}
}

func runsHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runs, err := eng.ListRuns()
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, runs)
		case http.MethodPost:
			startRunHTTP(w, r, eng)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func startRunHTTP(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	workflow := r.FormValue("workflow")
	task := r.FormValue("task")
	if workflow == "" || task == "" {
		http.Error(w, "Missing 'workflow' or 'task' parameter", http.StatusBadRequest)
		return
	}
	runID, err := eng.Start(r.Context(), workflow, task)
	if err != nil && runID == "" {
		log.GetLogger().Errorf("Failed to start run: %v", err)
		http.Error(w, fmt.Sprintf("Failed to start run: %v", err), http.StatusInternalServerError)
		return
	}
	// The run may have failed after starting; its state is inspectable
	// either way.
	state, stErr := eng.Status(runID)
	if stErr != nil {
		http.Error(w, fmt.Sprintf("Run %s started but state unavailable: %v", runID, stErr), http.StatusInternalServerError)
		return
	}
	writeJSON(w, state)
}

func statusHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runID := r.URL.Query().Get("id")
		if runID == "" {
			http.Error(w, "Missing 'id' parameter", http.StatusBadRequest)
			return
		}
		state, err := eng.Status(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get run status: %v", err), http.StatusNotFound)
			return
		}
		writeJSON(w, state)
	}
}

func resumeHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runID := r.FormValue("id")
		if runID == "" {
			http.Error(w, "Missing 'id' parameter", http.StatusBadRequest)
			return
		}
		if err := eng.Resume(r.Context(), runID, r.FormValue("reply")); err != nil {
			log.GetLogger().Errorf("Failed to resume run %s: %v", runID, err)
			http.Error(w, fmt.Sprintf("Failed to resume run: %v", err), http.StatusInternalServerError)
			return
		}
		state, err := eng.Status(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Run %s resumed but state unavailable: %v", runID, err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, state)
	}
}

func skipHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runID := r.FormValue("id")
		stage := r.FormValue("stage")
		if runID == "" || stage == "" {
			http.Error(w, "Missing 'id' or 'stage' parameter", http.StatusBadRequest)
			return
		}
		if err := eng.SkipStage(runID, stage); err != nil {
			http.Error(w, fmt.Sprintf("Failed to skip stage: %v", err), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "Marked stage '%s' skipped for run %s\n", stage, runID)
	}
}

func cancelHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		runID := r.FormValue("id")
		if runID == "" {
			http.Error(w, "Missing 'id' parameter", http.StatusBadRequest)
			return
		}
		if err := eng.Cancel(runID); err != nil {
			http.Error(w, fmt.Sprintf("Failed to cancel run: %v", err), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "Cancelled run %s\n", runID)
	}
}

func checkpointsHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runID := r.URL.Query().Get("run")
			if runID == "" {
				http.Error(w, "Missing 'run' parameter", http.StatusBadRequest)
				return
			}
			cps, err := eng.ListCheckpoints(runID)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to list checkpoints: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, cps)
		case http.MethodPost:
			runID := r.FormValue("run")
			name := r.FormValue("name")
			if runID == "" || name == "" {
				http.Error(w, "Missing 'run' or 'name' parameter", http.StatusBadRequest)
				return
			}
			if err := eng.SaveNamedCheckpoint(runID, name); err != nil {
				http.Error(w, fmt.Sprintf("Failed to save checkpoint: %v", err), http.StatusBadRequest)
				return
			}
			fmt.Fprintf(w, "Saved checkpoint '%s' for run %s\n", name, runID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func trustHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rules, err := eng.TrustRules()
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to list trust rules: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, rules)
		case http.MethodPost:
			pattern := r.FormValue("pattern")
			level := models.TrustLevel(r.FormValue("level"))
			if pattern == "" || !models.ValidTrustLevel(level) {
				http.Error(w, "Missing 'pattern' or invalid 'level' parameter", http.StatusBadRequest)
				return
			}
			if err := eng.RecordTrust(pattern, level); err != nil {
				http.Error(w, fmt.Sprintf("Failed to record trust rule: %v", err), http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, "Recorded %s rule for '%s'\n", level, pattern)
		case http.MethodDelete:
			pattern := r.URL.Query().Get("pattern")
			if pattern == "" {
				http.Error(w, "Missing 'pattern' parameter", http.StatusBadRequest)
				return
			}
			if err := eng.ForgetTrust(pattern); err != nil {
				http.Error(w, fmt.Sprintf("Failed to delete trust rule: %v", err), http.StatusBadRequest)
				return
			}
			fmt.Fprintf(w, "Deleted trust rule '%s'\n", pattern)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
