package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"agrimater/internal/app"
	"agrimater/internal/auth"
	"agrimater/internal/llm"
	"agrimater/internal/netguard"
	"agrimater/internal/store"
	"agrimater/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultListenAddr   = ":8080"
	defaultDatabasePath = "data/agrimater.db"
	shutdownTimeout     = 5 * time.Second
	otpPurgeInterval    = time.Minute
)

var (
	serveAddr string
	serveDB   string

	chatSession string
	chatModel   string
	chatTimeout time.Duration

	tokenEmail  string
	tokenSecret string
)

// serveCmd runs the HTTP gateway
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Runs the chat gateway until SIGINT or SIGTERM.

Conversations are stored in SQLite when the database opens; otherwise chat
keeps working without history.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// chatCmd sends a single message
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message through the model fallback path",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

// tokenCmd mints a session token
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for testing",
	Long: `Mints a session token exactly as POST /api/auth/verify-otp would.

The secret comes from --secret or JWT_SECRET.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default LISTEN_ADDR or "+defaultListenAddr+")")
	cmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (default DATABASE_PATH or "+defaultDatabasePath+")")
}

func init() {
	addServeFlags(serveCmd)

	chatCmd.Flags().StringVar(&chatSession, "session", "", "session id used for coalescing")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "preferred model (default GROQ_MODEL)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 2*time.Minute, "overall deadline")

	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email the token is bound to")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (default JWT_SECRET)")
	tokenCmd.MarkFlagRequired("email")
}

// loadFileConfig reads the optional YAML file. A broken file is reported and
// ignored so that the environment alone can still configure the gateway.
func loadFileConfig() *utils.FileConfig {
	file, err := utils.LoadFileConfig()
	if err != nil {
		logger.Warn("Ignoring configuration file", zap.Error(err))
		return &utils.FileConfig{}
	}
	return file
}

func newGuard(file *utils.FileConfig) *netguard.Guard {
	return netguard.New(netguard.ConfigFromFile(file.Network), netguard.WithLogger(logger.Named("netguard")))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	file := loadFileConfig()
	cfg := llm.GetConfig()
	if cfg.APIKey == "" {
		logger.Warn("GROQ_API_KEY is not set; chat requests will fail")
	} else {
		logger.Info("Groq API key loaded", zap.String("key", utils.MaskToken(cfg.APIKey)), zap.String("model", cfg.DefaultModel))
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = auth.RandomToken()
		logger.Warn("JWT_SECRET is not set; session tokens will not survive a restart")
	}
	if cfg.AuthDisabled {
		logger.Warn("Authorization is disabled - all requests will be accepted")
	}

	dbPath := firstNonEmpty(serveDB, utils.GetEnvWithDefault("DATABASE_PATH", ""), file.Server.DatabasePath, defaultDatabasePath)
	var conversations llm.ConversationStore
	var database app.Pinger
	st, err := store.Open(dbPath, logger.Named("store"))
	if err != nil {
		logger.Error("Conversation store unavailable, continuing without history", zap.String("path", dbPath), zap.Error(err))
	} else {
		defer st.Close()
		conversations = st
		database = st
	}

	guard := newGuard(file)
	defer guard.Reset()

	authService := auth.NewService(auth.LogNotifier{Logger: logger.Named("otp")}, logger.Named("auth"))
	go purgeOTPs(ctx, authService)

	service := llm.NewService(cfg, guard, logger.Named("llm"))
	a := app.NewApp(app.Options{
		Chat:               llm.NewLLMServerState(service, conversations, logger.Named("chat")),
		Guard:              guard,
		Auth:               authService,
		Database:           database,
		Logger:             logger.Named("http"),
		RateLimitPerMinute: utils.GetEnvInt("RATE_LIMIT_PER_MINUTE", file.Server.RateLimitPerMinute),
		TrustProxy:         utils.GetEnvBool("TRUST_PROXY") || file.Server.TrustProxy,
	})

	addr := firstNonEmpty(serveAddr, utils.GetEnvWithDefault("LISTEN_ADDR", ""), file.Server.ListenAddr, defaultListenAddr)
	server := &http.Server{
		Addr:              addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("could not start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}
	logger.Info("Server gracefully stopped")
	return nil
}

func purgeOTPs(ctx context.Context, s *auth.Service) {
	ticker := time.NewTicker(otpPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.PurgeExpired(); n > 0 {
				logger.Debug("Purged expired OTPs", zap.Int("count", n))
			}
		}
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), chatTimeout)
	defer cancel()

	cfg := llm.GetConfig()
	if cfg.APIKey == "" {
		return llm.ErrAPIKeyMissing
	}
	guard := newGuard(loadFileConfig())
	defer guard.Reset()

	service := llm.NewService(cfg, guard, logger.Named("llm"))
	res, err := service.ChatCompletionWithModelFallback(ctx, args[0], chatSession, llm.Options{Model: chatModel})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Response)
	fmt.Fprintf(out, "\n(model: %s", res.ModelUsed)
	if res.Usage != nil {
		fmt.Fprintf(out, ", tokens: %d", res.Usage.TotalTokens)
	}
	fmt.Fprintln(out, ")")
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	if !auth.ValidEmail(tokenEmail) {
		return auth.ErrInvalidEmail
	}
	secret := tokenSecret
	if secret == "" {
		secret = llm.GetConfig().JWTSecret
	}
	if secret == "" {
		return errors.New("no signing secret: set JWT_SECRET or pass --secret")
	}

	token, err := llm.CreateSessionToken(tokenEmail, tokenEmail, secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
