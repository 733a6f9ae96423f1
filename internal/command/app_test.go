package command

import (
	"context"
	"os"
	"testing"

	"paneloom/internal/config"
)

func TestBuildApp_DefaultCommandRunsServe(t *testing.T) {
	serveCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunServe: func(context.Context, config.Config) error {
			serveCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"paneloom"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if serveCalled != 1 {
		t.Fatalf("expected serve called once, got %d", serveCalled)
	}
}

func TestBuildApp_ServeCommandRuns(t *testing.T) {
	serveCalled := 0
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunServe: func(context.Context, config.Config) error {
			serveCalled++
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"paneloom", "serve"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if serveCalled != 1 {
		t.Fatalf("expected serve called once, got %d", serveCalled)
	}
}

func TestBuildApp_ServeFlagsOverrideConfig(t *testing.T) {
	var got config.Config
	app := BuildApp(Deps{
		LoadConfig: func() config.Config {
			return config.Config{
				ListenHost:      "127.0.0.1",
				ListenPort:      4821,
				SnapshotPath:    "/default/snapshot.db",
				DefaultRangeTag: "1h",
			}
		},
		RunServe: func(_ context.Context, cfg config.Config) error {
			got = cfg
			return nil
		},
	})
	args := []string{
		"paneloom", "serve",
		"--host", "0.0.0.0",
		"--port", "4999",
		"--snapshot-path", "/tmp/snap.db",
		"--default-range", "24h",
	}
	if err := app.RunContext(context.Background(), args); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got.ListenHost != "0.0.0.0" || got.ListenPort != 4999 || got.SnapshotPath != "/tmp/snap.db" || got.DefaultRangeTag != "24h" {
		t.Fatalf("override failed: %#v", got)
	}
}

func TestBuildApp_ServeFlagConfigFile_SetsEnv(t *testing.T) {
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunServe:   func(context.Context, config.Config) error { return nil },
	})
	if err := app.RunContext(context.Background(), []string{"paneloom", "serve", "--config-file", "/flag/paneloom.toml"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := os.Getenv("PANELOOM_CONFIG_FILE"); got != "/flag/paneloom.toml" {
		t.Fatalf("unexpected config file env: %s", got)
	}
}

func TestBuildApp_SnapshotExportRequiresOut(t *testing.T) {
	app := BuildApp(Deps{
		LoadConfig:        func() config.Config { return config.Config{} },
		RunSnapshotExport: func(context.Context, config.Config, string) error { return nil },
	})
	err := app.RunContext(context.Background(), []string{"paneloom", "snapshot", "export"})
	if err == nil {
		t.Fatal("expected error for missing required --out flag")
	}
}

func TestBuildApp_SnapshotExportCommand(t *testing.T) {
	var gotPath string
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunSnapshotExport: func(_ context.Context, _ config.Config, out string) error {
			gotPath = out
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"paneloom", "snapshot", "export", "--out", "/tmp/out.db"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if gotPath != "/tmp/out.db" {
		t.Fatalf("unexpected export path: %s", gotPath)
	}
}

func TestBuildApp_SnapshotImportCommand(t *testing.T) {
	var gotPath string
	app := BuildApp(Deps{
		LoadConfig: func() config.Config { return config.Config{} },
		RunSnapshotImport: func(_ context.Context, _ config.Config, in string) error {
			gotPath = in
			return nil
		},
	})
	if err := app.RunContext(context.Background(), []string{"paneloom", "snapshot", "import", "--in", "/tmp/in.db"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if gotPath != "/tmp/in.db" {
		t.Fatalf("unexpected import path: %s", gotPath)
	}
}
