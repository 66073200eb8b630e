// Agrimater chat gateway.
//
// The gateway answers visitor questions about Agrimater through the Groq
// OpenAI-compatible chat completions API. Every outbound call passes a request
// governor that coalesces duplicates, enforces a rolling budget and a
// concurrency ceiling, and retries transient failures. Conversations are kept
// in SQLite and visitors sign in with an emailed one-time password.
//
// CLI Usage:
//
//	agrimater [serve]
//	  Runs the HTTP gateway (default command).
//	  Example: ./agrimater serve --addr :8080 --db data/agrimater.db
//
//	agrimater chat "message"
//	  Sends one message through the model fallback path and prints the answer.
//	  Example: ./agrimater chat "What does Agrimater do?" --session demo
//
//	agrimater token --email you@example.com
//	  Mints a session token for manual testing.
//
// Environment Variables:
//   - GROQ_API_KEY: Groq API key (required for chat)
//   - GROQ_MODEL: preferred model, default llama-3.1-8b-instant
//   - GROQ_BASE_URL: chat completions endpoint override
//   - JWT_SECRET: secret signing session tokens
//   - VALID_API_KEYS: comma separated keys accepted by the admin endpoints
//   - DISABLE_AUTH: set to "true" or "1" to skip token and API key checks
//   - DATABASE_PATH: SQLite file for conversations
//   - LISTEN_ADDR: HTTP listen address, default :8080
//   - RATE_LIMIT_PER_MINUTE: per-client chat allowance, default 20
//   - TRUST_PROXY: set to "true" behind a reverse proxy to take client addresses from X-Forwarded-For
//   - LOG_LEVEL, LOG_FORMAT: logger level (debug|info|warn|error) and format (json|console)
//   - AGRIMATER_CONFIG: path to the optional YAML configuration file
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"agrimater/internal/logging"
	"agrimater/pkg/utils"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logLevel  string
	logFormat string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agrimater",
	Short: "Agrimater chat gateway",
	Long: `Agrimater chat gateway.

Serves the chat, sign-in and conversation API in front of the Groq chat
completions endpoint. Run without arguments to start the server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile := loadEnvFile()

		var err error
		logger, err = logging.New(
			flagOrEnv(cmd, "log-level", "LOG_LEVEL", logLevel),
			flagOrEnv(cmd, "log-format", "LOG_FORMAT", logFormat),
		)
		if err != nil {
			return err
		}
		if envFile != "" {
			logger.Debug("Loaded environment variables", zap.String("file", envFile))
		} else {
			logger.Debug("No .env file found. Using existing environment variables.")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runServe,
}

// loadEnvFile loads environment variables from a .env file if present.
// It attempts to load from the current directory and parent directories
// up to the root directory, and returns the file it loaded.
func loadEnvFile() string {
	// Try current directory first
	if err := godotenv.Load(); err == nil {
		return ".env"
	}

	workDir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for dir := workDir; dir != "/"; dir = filepath.Dir(dir) {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				return envPath
			}
		}
	}
	return ""
}

// flagOrEnv prefers an explicitly set flag, then the environment variable,
// then the flag default.
func flagOrEnv(cmd *cobra.Command, flag, env, value string) string {
	if cmd.Flags().Changed(flag) {
		return value
	}
	return utils.GetEnvWithDefault(env, value)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatJSON, "log format (json, console)")
	addServeFlags(rootCmd)

	rootCmd.AddCommand(serveCmd, chatCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
