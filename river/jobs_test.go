package river

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMonitorJobArgs(t *testing.T) {
	tests := []struct {
		name string
		args MonitorJobArgs
	}{
		{
			name: "basic args",
			args: MonitorJobArgs{
				SignalID:        "sig-123",
				ArtifactRef:     "my-app",
				ArtifactVersion: "v1.2.3",
				StageID:         "bake-ami",
			},
		},
		{
			name: "zero value",
			args: MonitorJobArgs{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.args.Kind(); got != JobKindMonitor {
				t.Errorf("Kind() = %q, want %q", got, JobKindMonitor)
			}

			opts := tt.args.InsertOpts()
			if opts.MaxAttempts != DefaultMaxAttempts {
				t.Errorf("InsertOpts().MaxAttempts = %d, want %d", opts.MaxAttempts, DefaultMaxAttempts)
			}
			if opts.Queue != DefaultQueue {
				t.Errorf("InsertOpts().Queue = %q, want %q", opts.Queue, DefaultQueue)
			}
		})
	}
}

func TestMonitorJobArgs_JSON(t *testing.T) {
	args := MonitorJobArgs{
		SignalID:        "sig-456",
		ArtifactRef:     "fnord",
		ArtifactVersion: "v0.9.0",
		StageID:         "deploy-canary",
	}

	data, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded MonitorJobArgs
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded != args {
		t.Errorf("round-trip = %+v, want %+v", decoded, args)
	}
}

func TestMonitorJobArgs_UniquenessExcludesSignalID(t *testing.T) {
	// The unique key must cover the stage coordinates and nothing else,
	// so two sweeps that notice the same stale stage collapse into one
	// queued job even though each carries a fresh signal ID.
	wantUnique := map[string]bool{
		"SignalID":        false,
		"ArtifactRef":     true,
		"ArtifactVersion": true,
		"StageID":         true,
	}

	typ := reflect.TypeOf(MonitorJobArgs{})
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		want, known := wantUnique[field.Name]
		if !known {
			t.Errorf("unexpected field %q; update the uniqueness expectations", field.Name)
			continue
		}
		got := field.Tag.Get("river") == "unique"
		if got != want {
			t.Errorf("field %s river:%q tag presence = %v, want %v", field.Name, "unique", got, want)
		}
	}
}

func TestJobKindMonitor(t *testing.T) {
	// The kind is namespaced so jobs from other applications sharing the
	// queue tables cannot collide with ours.
	if len(JobKindMonitor) < 5 || JobKindMonitor[:5] != "keel." {
		t.Errorf("Job kind %q should have 'keel.' prefix", JobKindMonitor)
	}
}
