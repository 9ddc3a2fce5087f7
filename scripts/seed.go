// Seed script for loading demo memories into a running memtier server.
// Run with: go run ./scripts/seed.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type seedMemory struct {
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var demo = []seedMemory{
	{Content: "Remember: Alice prefers async standups on Mondays", Source: "user_input"},
	{Content: "The billing service deploy froze twice last week", Source: "agent_generated"},
	{Content: "Our API rate limit is 100 requests per second", Source: "document_extraction"},
	{Content: "Users who onboard with a tutorial churn less", Source: "system_insight"},
	{Content: "Critical: rotate the staging database password before 2026-12-01", Source: "user_input"},
	{Content: "I keep suggesting retries when the real fix is idempotency keys", Source: "agent_generated",
		Metadata: map[string]string{"kind": "reflection"}},
}

func main() {
	envFile := os.Getenv("MEMTIER_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	baseURL := os.Getenv("MEMTIER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	apiKey := os.Getenv("API_KEY")
	client := &http.Client{Timeout: 10 * time.Second}

	for _, m := range demo {
		var created struct {
			ID    string `json:"id"`
			Layer string `json:"layer"`
		}
		if err := call(client, baseURL+"/v1/memories", apiKey, m, &created); err != nil {
			log.Fatalf("Failed to add memory: %v", err)
		}
		fmt.Printf("  %-10s %s\n", created.Layer, created.ID)
	}

	var report map[string]any
	if err := call(client, baseURL+"/v1/consolidate", apiKey, map[string]string{"trigger": "manual"}, &report); err != nil {
		log.Fatalf("Failed to consolidate: %v", err)
	}
	fmt.Printf("\nConsolidation pass %v done\n", report["id"])
	fmt.Printf("Seeded %d memories into %s\n", len(demo), baseURL)
}

func call(client *http.Client, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
