package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/siftapp/sift/internal/httpapi"
	"github.com/siftapp/sift/internal/sift"
)

func main() {
	addr := os.Getenv("SIFT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	var attachments *sift.AttachmentStore
	if dir := strings.TrimSpace(os.Getenv("SIFT_ATTACHMENTS_DIR")); dir != "" {
		attachments, err = sift.NewAttachmentStore(dir)
		if err != nil {
			log.Fatalf("failed to initialize attachment store: %v", err)
		}
		defer attachments.Close()
	}

	store := sift.NewStoreWithOptions(sift.StoreOptions{
		StateBackend: stateBackend,
		StateFile:    os.Getenv("SIFT_STATE_FILE"),
		Attachments:  attachments,
	})
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		RequireCSRF:     boolEnv("SIFT_REQUIRE_CSRF", false),
		RateLimitMax:    intEnv("SIFT_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("SIFT_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("SIFT_MAX_BODY_BYTES", 0),
	})

	log.Printf("siftd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStateBackendFromEnv() (sift.StateBackend, error) {
	profileStateDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("SIFT_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("SIFT_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return sift.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return sift.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		return sift.BuildStateBackendFromDSN(profileStateDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultsFromEnv() (stateBackendDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("SIFT_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("SIFT_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".sift"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("SIFT_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("SIFT_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("SIFT_PRODUCTION_DSN or SIFT_POSTGRES_DSN is required when SIFT_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported SIFT_BACKEND_PROFILE: %s", profile)
	}
}
