// Package auth issues and verifies email one-time passwords and checks the
// API keys that guard the admin endpoints.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"agrimater/internal/logging"
	"agrimater/pkg/utils"

	"go.uber.org/zap"
)

const (
	// OTPLifetime is how long an issued code stays valid.
	OTPLifetime = 10 * time.Minute
	// MaxOTPAttempts is the number of wrong guesses tolerated per code.
	MaxOTPAttempts = 3
)

// OTP errors. Their messages are shown to users.
var (
	ErrInvalidEmail       = errors.New("Invalid email format")
	ErrOTPNotFound        = errors.New("No OTP found. Please request a new one.")
	ErrOTPExpired         = errors.New("OTP has expired. Please request a new one.")
	ErrTooManyAttempts    = errors.New("Too many failed attempts. Please request a new OTP.")
	ErrInvalidOTP         = errors.New("Invalid OTP. Please try again.")
	ErrNotificationFailed = errors.New("failed to send OTP")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Notifier delivers one-time passwords.
type Notifier interface {
	SendOTP(ctx context.Context, email, name, otp string) error
}

// LogNotifier writes codes to the log instead of sending mail. Development only.
type LogNotifier struct {
	Logger *zap.Logger
}

// SendOTP implements Notifier.
func (n LogNotifier) SendOTP(_ context.Context, email, name, otp string) error {
	logging.OrNop(n.Logger).Info("OTP issued", zap.String("email", email), zap.String("name", name), zap.String("otp", otp))
	return nil
}

// otpRecord holds a hashed code.
type otpRecord struct {
	Hash      string
	CreatedAt time.Time
	Attempts  int
}

// Service provides OTP issuing and verification. Codes are kept in memory
// keyed by lowercased email.
type Service struct {
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mutex sync.Mutex
	otps  map[string]*otpRecord
}

// NewService creates and returns a new instance of the Service struct.
func NewService(notifier Notifier, logger *zap.Logger) *Service {
	logger = logging.OrNop(logger)
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Service{
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		otps:     make(map[string]*otpRecord),
	}
}

// ValidEmail reports whether email looks like an address.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// SendOTP issues a fresh code for email, replacing any previous one, and
// hands it to the notifier.
func (s *Service) SendOTP(ctx context.Context, email, name string) error {
	if !ValidEmail(email) {
		return ErrInvalidEmail
	}
	otp, err := GenerateOTP()
	if err != nil {
		return err
	}
	s.StoreOTP(email, otp)

	if err := s.notifier.SendOTP(ctx, strings.ToLower(email), name, otp); err != nil {
		s.DeleteOTP(email)
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	s.logger.Debug("OTP sent", zap.String("email", strings.ToLower(email)))
	return nil
}

// StoreOTP records otp for email.
func (s *Service) StoreOTP(email, otp string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.otps[strings.ToLower(email)] = &otpRecord{
		Hash:      HashAccessToken(otp),
		CreatedAt: s.now(),
	}
}

// DeleteOTP forgets the code for email.
func (s *Service) DeleteOTP(email string) {
	s.mutex.Lock()
	delete(s.otps, strings.ToLower(email))
	s.mutex.Unlock()
}

// VerifyOTP checks otp for email. A correct code is consumed. After
// MaxOTPAttempts wrong guesses or once the code expired it is discarded.
func (s *Service) VerifyOTP(email, otp string) error {
	email = strings.ToLower(email)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, ok := s.otps[email]
	if !ok {
		return ErrOTPNotFound
	}
	if record.Attempts >= MaxOTPAttempts {
		delete(s.otps, email)
		return ErrTooManyAttempts
	}
	if s.now().Sub(record.CreatedAt) > OTPLifetime {
		delete(s.otps, email)
		return ErrOTPExpired
	}
	if subtle.ConstantTimeCompare([]byte(record.Hash), []byte(HashAccessToken(otp))) != 1 {
		record.Attempts++
		return ErrInvalidOTP
	}

	delete(s.otps, email)
	return nil
}

// PurgeExpired drops expired codes and returns how many were dropped.
func (s *Service) PurgeExpired() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for email, record := range s.otps {
		if s.now().Sub(record.CreatedAt) > OTPLifetime {
			delete(s.otps, email)
			n++
		}
	}
	return n
}

// GenerateOTP returns a random six digit code.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// VerifyAppAPIKey checks if the provided API key is valid for the admin API.
// Valid keys come from the comma separated VALID_API_KEYS environment
// variable. If DISABLE_AUTH is "true" or "1" every key is accepted.
func VerifyAppAPIKey(apiKey string) bool {
	if utils.GetEnvBool("DISABLE_AUTH") {
		return true
	}
	if apiKey == "" {
		return false
	}

	for _, key := range utils.SplitList(utils.GetEnvWithDefault("VALID_API_KEYS", "")) {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// RandomToken generates a random token for authentication
func RandomToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}

// HashAccessToken hashes a secret using SHA-256
func HashAccessToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return "$sha256$" + base64.URLEncoding.EncodeToString(hash[:])
}
