package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowGuide/internal/config"
	"github.com/BTreeMap/FlowGuide/internal/models"
)

// execute runs the root command with args and stdin, returning stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("FLOWGUIDE_CLINICAL_CONFIG", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()
	if cmd.Use != "flowguide" {
		t.Errorf("Use = %q, want flowguide", cmd.Use)
	}
	want := map[string]bool{"serve": false, "chat": false, "replay": false, "flows": false, "stats": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
	for _, flag := range []string{"state-dir", "db-dsn", "log-level", "flows", "knowledge", "clinical"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("--%s flag not found", flag)
		}
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   Flags
		wantDSN string
		wantDir string
	}{
		{
			name:    "no flags keeps config",
			wantDSN: filepath.Join(config.DefaultStateDir, config.DefaultDBFileName),
			wantDir: config.DefaultStateDir,
		},
		{
			name:    "state dir moves default database",
			flags:   Flags{stateDir: "/tmp/fg"},
			wantDSN: filepath.Join("/tmp/fg", config.DefaultDBFileName),
			wantDir: "/tmp/fg",
		},
		{
			name:    "explicit dsn wins over state dir",
			flags:   Flags{stateDir: "/tmp/fg", dbDSN: "postgres://u:p@localhost/fg"},
			wantDSN: "postgres://u:p@localhost/fg",
			wantDir: "/tmp/fg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			applyFlags(&cfg, tt.flags)
			if cfg.DatabaseURL != tt.wantDSN {
				t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, tt.wantDSN)
			}
			if cfg.StateDir != tt.wantDir {
				t.Errorf("StateDir = %q, want %q", cfg.StateDir, tt.wantDir)
			}
		})
	}
}

func TestApplyFlagsKeepsCustomDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseURL = "/data/custom.db"
	applyFlags(&cfg, Flags{stateDir: "/tmp/fg"})
	if cfg.DatabaseURL != "/data/custom.db" {
		t.Errorf("custom database should not move with the state dir, got %q", cfg.DatabaseURL)
	}
}

func TestUsesLocalFile(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"memory", false},
		{"postgres://u:p@localhost/fg", false},
		{"host=localhost dbname=fg", false},
		{"/var/lib/flowguide/flowguide.db", true},
	}
	for _, tt := range tests {
		if got := usesLocalFile(tt.dsn); got != tt.want {
			t.Errorf("usesLocalFile(%q) = %v, want %v", tt.dsn, got, tt.want)
		}
	}
}

type echoProcessor struct {
	seen []string
}

func (e *echoProcessor) ProcessMessage(ctx context.Context, sessionID, text string) (*models.Reply, error) {
	if err := models.ValidateInbound(sessionID, text); err != nil {
		return nil, err
	}
	if text == "fail" {
		return nil, errors.New("engine down")
	}
	e.seen = append(e.seen, text)
	return &models.Reply{SessionID: sessionID, ResponseText: "echo: " + text}, nil
}

func TestRunChat(t *testing.T) {
	eng := &echoProcessor{}
	var out bytes.Buffer
	in := strings.NewReader("hello\n\n" + strings.Repeat("x", models.MaxMessageLength+1) + "\nagain\n/exit\nnever\n")
	if err := runChat(context.Background(), eng, "s1", false, in, &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if len(eng.seen) != 2 || eng.seen[0] != "hello" || eng.seen[1] != "again" {
		t.Errorf("unexpected messages %v", eng.seen)
	}
	if !strings.Contains(out.String(), "echo: again") {
		t.Errorf("missing reply in output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), models.ErrMessageTooLong.Error()) {
		t.Errorf("validation errors should be shown, got:\n%s", out.String())
	}
}

func TestRunChatEngineError(t *testing.T) {
	var out bytes.Buffer
	err := runChat(context.Background(), &echoProcessor{}, "s1", false, strings.NewReader("fail\n"), &out)
	if err == nil || !strings.Contains(err.Error(), "engine down") {
		t.Errorf("expected engine error, got %v", err)
	}
}

func TestChatCommandInMemory(t *testing.T) {
	out, err := execute(t, "I'm having a panic attack and my heart is racing\n/exit\n",
		"--db-dsn", "memory", "chat", "--session", "cli-test", "--debug")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "Session cli-test") {
		t.Errorf("missing session banner:\n%s", out)
	}
	if !strings.Contains(out, "flow=panic_grounding") {
		t.Errorf("expected the panic flow in debug output:\n%s", out)
	}
}

func TestChatThenReplaySQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "flowguide.db")
	if _, err := execute(t, "I can't sleep at night\nmy mind keeps racing\n/exit\n", "--db-dsn", dsn, "chat", "--session", "sleepy"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	out, err := execute(t, "", "--db-dsn", dsn, "replay", "sleepy")
	if err != nil {
		t.Fatalf("replay: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 turns, consistent") {
		t.Errorf("unexpected replay output:\n%s", out)
	}

	out, err = execute(t, "", "--db-dsn", dsn, "replay", "--all", "--json")
	if err != nil {
		t.Fatalf("replay --all: %v\n%s", err, out)
	}
	if !strings.Contains(out, `"checked": 1`) {
		t.Errorf("unexpected audit output:\n%s", out)
	}
}

func TestStatsCommandSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "flowguide.db")
	if _, err := execute(t, "I can't sleep at night\nmy mind keeps racing\n/exit\n", "--db-dsn", dsn, "chat", "--session", "sleepy"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "global", args: []string{"stats"}, want: "1 sessions, 2 messages, 0 crisis flags"},
		{name: "session", args: []string{"stats", "sleepy"}, want: "session sleepy: 2 messages"},
		{name: "json", args: []string{"stats", "--json"}, want: `"total_messages": 2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "", append([]string{"--db-dsn", dsn}, tt.args...)...)
			if err != nil {
				t.Fatalf("stats: %v\n%s", err, out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("stats output missing %q:\n%s", tt.want, out)
			}
		})
	}

	_, err := execute(t, "", "--db-dsn", dsn, "stats", "nobody")
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReplayArgs(t *testing.T) {
	if _, err := execute(t, "", "--db-dsn", "memory", "replay"); err == nil {
		t.Error("replay without a session id should fail")
	}
	if _, err := execute(t, "", "--db-dsn", "memory", "replay", "--all", "s1"); err == nil {
		t.Error("replay --all with a session id should fail")
	}
	_, err := execute(t, "", "--db-dsn", "memory", "replay", "nobody")
	if !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestFlowsCommand(t *testing.T) {
	out, err := execute(t, "", "--db-dsn", "memory", "flows")
	if err != nil {
		t.Fatalf("flows: %v", err)
	}
	for _, want := range []string{"SCENARIO", "panic_grounding", "crisis_support"} {
		if !strings.Contains(out, want) {
			t.Errorf("flows output missing %q:\n%s", want, out)
		}
	}
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv("FLOWGUIDE_MAX_STACK_DEPTH", "0")
	if _, err := execute(t, "", "--db-dsn", "memory", "flows"); err == nil {
		t.Error("expected invalid configuration to be rejected")
	}
}
