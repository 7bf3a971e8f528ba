package config

import (
	"strconv"
	"time"
)

const (
	debounceWindowVar = "DEBOUNCE_WINDOW"
	refreshSkewVar    = "REFRESH_SKEW"
	verifierLengthVar = "PKCE_VERIFIER_LENGTH"

	DefaultDebounceWindow = 500 * time.Millisecond
	MinDebounceWindow     = 300 * time.Millisecond
	MaxDebounceWindow     = 750 * time.Millisecond
)

type Flow struct{}

var _ FlowConfig = Flow{}

func (Flow) GetDebounceWindow() time.Duration {
	return clamp(GetDuration(debounceWindowVar, DefaultDebounceWindow), MinDebounceWindow, MaxDebounceWindow)
}

func (Flow) GetRefreshSkew() time.Duration {
	return GetDuration(refreshSkewVar, 60*time.Second)
}

func (Flow) GetVerifierLength() int {
	n, err := strconv.Atoi(GetEnv(verifierLengthVar, "64"))
	if err != nil || n < 43 || n > 128 {
		return 64
	}
	return n
}
