package logger

import "testing"

func TestLogIsUsableBeforeInit(t *testing.T) {
	if Log == nil {
		t.Fatal("Log must be a no-op logger before Init, not nil")
	}
	Log.Info("should not panic")
}

func TestInit(t *testing.T) {
	tests := []struct {
		name  string
		level string
		env   string
	}{
		{"production json", "info", "production"},
		{"development console", "debug", "development"},
		{"unknown level falls back to info", "loud", "development"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Init(tt.level, tt.env); err != nil {
				t.Fatalf("Init(%q, %q) = %v", tt.level, tt.env, err)
			}
			if Log == nil {
				t.Fatal("Init must install a logger")
			}
		})
	}
}
