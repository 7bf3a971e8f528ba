// Package logging builds the zerolog logger shared by the binaries and
// provides helpers for keeping credentials out of log lines.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates a logger writing to w. In DEV the output is the human readable
// console format, otherwise JSON lines.
func New(w io.Writer, level string, env string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if env == "DEV" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Mask hides a secret, keeping the first 3 and last 4 characters of long values.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}

var sensitiveParams = map[string]struct{}{
	"client_secret":    {},
	"client_assertion": {},
	"code_verifier":    {},
	"assertion":        {},
	"subject_token":    {},
	"actor_token":      {},
	"refresh_token":    {},
	"access_token":     {},
	"id_token":         {},
	"code":             {},
	"device_code":      {},
	"auth_req_id":      {},
}

// MaskParams returns a copy of params safe to attach to a log event.
func MaskParams(params map[string][]string) map[string]string {
	masked := make(map[string]string, len(params))
	for k, v := range params {
		value := strings.Join(v, " ")
		if _, ok := sensitiveParams[k]; ok {
			value = Mask(value)
		}
		masked[k] = value
	}
	return masked
}
