package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashTokenCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"hash-token", "secret"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("printed hash does not match token: %v", err)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "debug", want: slog.LevelDebug},
		{level: "warn", want: slog.LevelWarn},
		{level: "bogus", want: slog.LevelInfo},
	}
	for _, tc := range tests {
		logger := newLogger(tc.level)
		if !logger.Enabled(context.Background(), tc.want) {
			t.Errorf("%s: expected level %s to be enabled", tc.level, tc.want)
		}
		if tc.want > slog.LevelDebug && logger.Enabled(context.Background(), tc.want-4) {
			t.Errorf("%s: expected level below %s to be disabled", tc.level, tc.want)
		}
	}
}
