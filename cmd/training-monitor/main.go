package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/verozhao/document-ai-v2/internal/models"
	"github.com/verozhao/document-ai-v2/internal/services"
)

var (
	appInstance *services.App
	once        sync.Once
	initErr     error
)

func init() {
	// Register the HTTP function with the framework. Cloud Scheduler
	// invokes it on the configured check interval.
	functions.HTTP("HandleTrainingCheck", handleTrainingCheck)
}

// main is required by the Go Functions Framework.
func main() {}

// handleTrainingCheck runs one periodic training check: resume the active
// batch if there is one, otherwise re-evaluate the thresholds.
func handleTrainingCheck(w http.ResponseWriter, r *http.Request) {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		appInstance, initErr = services.NewApp(context.Background())
	})
	if initErr != nil {
		log.Printf("CRITICAL: Monitor initialization failed: %v", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.TrainingCheckRequest
	if r.Body != nil {
		// An empty or absent body falls back to the default processor.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ProcessorID == "" {
		req.ProcessorID = appInstance.Config.DefaultProcessorID
	}
	if req.ProcessorID == "" {
		log.Printf("ERROR: No processorId in request and no default configured")
		http.Error(w, "Bad Request: processorId required", http.StatusBadRequest)
		return
	}

	res, err := appInstance.Monitor.Check(r.Context(), req.ProcessorID)
	if err != nil {
		log.Printf("ERROR: Training check for %s failed: %v", req.ProcessorID, err)
		http.Error(w, "Internal Server Error: check failed", http.StatusInternalServerError)
		return
	}
	log.Printf("Training check for %s: %s (decision=%s batch=%s)", res.ProcessorID, res.Status, res.Decision, res.BatchID)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Printf("ERROR: Failed to write response: %v", err)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
