// Package main implements a smoke tester for a running Agrimater gateway.
//
// It probes /api/health, then fires identical chat requests in parallel
// through a request governor so that they coalesce onto one gateway call.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"agrimater/internal/logging"
	"agrimater/internal/netguard"
	"agrimater/pkg/utils"

	"golang.org/x/sync/errgroup"
)

type chatReply struct {
	Response  string `json:"response"`
	ModelUsed string `json:"modelUsed"`
	Error     string `json:"error"`
	Details   string `json:"details"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Gateway base URL")
	message := flag.String("message", "What is Agrimater?", "The message to send")
	sessionID := flag.String("session", "apitest", "Session id sent with every chat request")
	parallel := flag.Int("parallel", 3, "Number of identical chat requests fired at once")
	timeout := flag.Duration("timeout", 90*time.Second, "Overall deadline")
	debugToken := flag.String("debug-token", "", "Decode a session token and exit")
	logLevel := flag.String("log-level", "warn", "Governor log level")
	flag.Parse()
	if *parallel < 1 {
		*parallel = 1
	}

	if *debugToken != "" {
		DisplayTokenAnalysis(*debugToken, utils.GetEnvWithDefault("JWT_SECRET", ""))
		return
	}

	logger, err := logging.New(*logLevel, logging.FormatConsole)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	guard := netguard.New(netguard.DefaultConfig(), netguard.WithLogger(logger))
	base := strings.TrimRight(*baseURL, "/")

	fmt.Println("🚀 Agrimater Gateway Tester")
	fmt.Println("----------------------------")
	fmt.Printf("Gateway: %s\n", base)

	if err := probeHealth(ctx, guard, base); err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	fmt.Printf("\nSending %d identical chat requests...\n", *parallel)
	replies := make([]chatReply, *parallel)
	g, gctx := errgroup.WithContext(ctx)
	for i := range replies {
		g.Go(func() error {
			resp, err := guard.FetchJSON(gctx, http.MethodPost, base+"/api/chat", nil, map[string]string{
				"message":   *message,
				"sessionId": *sessionID,
			})
			if err != nil {
				return fmt.Errorf("request %d: %w", i+1, err)
			}
			return resp.DecodeJSON(&replies[i])
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	status := guard.Status()
	fmt.Println("Response received:")
	fmt.Println("----------------------------")
	fmt.Println(replies[0].Response)
	fmt.Println("----------------------------")
	fmt.Printf("Model: %s\n", replies[0].ModelUsed)
	fmt.Printf("Gateway calls: %d, coalesced: %d\n", status.SessionBudget, status.Coalesced)
	for i, r := range replies[1:] {
		if r.Response != replies[0].Response {
			fmt.Printf("WARNING: reply %d differs from reply 1\n", i+2)
		}
	}
}

func probeHealth(ctx context.Context, guard *netguard.Guard, base string) error {
	header := http.Header{}
	header.Set("X-Request-Id", utils.NewRequestID())
	resp, err := guard.FetchJSON(ctx, http.MethodGet, base+"/api/health", header, nil)
	if err != nil {
		return err
	}
	if got := resp.Header.Get("X-Request-Id"); got != header.Get("X-Request-Id") {
		fmt.Printf("WARNING: gateway answered with request id %q\n", got)
	}
	var health struct {
		Status string `json:"status"`
		Env    struct {
			HasGroqKey  bool   `json:"hasGroqKey"`
			GroqModel   string `json:"groqModel"`
			HasDatabase bool   `json:"hasDatabase"`
		} `json:"env"`
		Network netguard.Status `json:"network"`
	}
	if err := resp.DecodeJSON(&health); err != nil {
		return err
	}

	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Groq key configured: %v\n", health.Env.HasGroqKey)
	fmt.Printf("Model: %s\n", health.Env.GroqModel)
	fmt.Printf("Database: %v\n", health.Env.HasDatabase)
	fmt.Printf("Upstream budget: %d/%d (resets %s)\n",
		health.Network.SessionBudget, health.Network.BudgetLimit, health.Network.BudgetResetAt.Format(time.RFC3339))
	if !health.Env.HasGroqKey {
		return fmt.Errorf("gateway has no GROQ_API_KEY")
	}
	return nil
}
