package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("TZ", "Europe/London")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ServerAddr != ":8080" {
		t.Fatalf("unexpected server addr: %s", cfg.ServerAddr)
	}
	if cfg.MongoDB != "tradefinance" {
		t.Fatalf("expected db name from uri, got %s", cfg.MongoDB)
	}
	if cfg.Timezone == nil || cfg.Timezone.String() != "Europe/London" {
		t.Fatalf("unexpected timezone: %v", cfg.Timezone)
	}
	if cfg.QueueConcurrency != 4 {
		t.Fatalf("unexpected concurrency: %d", cfg.QueueConcurrency)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("TZ", "Europe/London")
	t.Setenv("MONGO_URI", "mongodb://db:27017/leads_prod?authSource=admin")
	t.Setenv("QUEUE_CONCURRENCY", "9")
	t.Setenv("AUTOMATION_ENABLED", "false")
	t.Setenv("FRONTEND_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MongoDB != "leads_prod" {
		t.Fatalf("expected leads_prod, got %s", cfg.MongoDB)
	}
	if cfg.QueueConcurrency != 9 {
		t.Fatalf("expected 9, got %d", cfg.QueueConcurrency)
	}
	if cfg.AutomationEnabled {
		t.Fatalf("expected automation disabled")
	}
	origins := cfg.Origins()
	if len(origins) != 2 || origins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", origins)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaults()
	cfg.QueueConcurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero concurrency")
	}

	cfg = defaults()
	cfg.TZ = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for bad timezone")
	}
}

func TestMongoDBFromURI(t *testing.T) {
	cases := map[string]string{
		"mongodb://localhost:27017/crm":      "crm",
		"mongodb://localhost:27017":          "",
		"mongodb+srv://u:p@host/leads/extra": "leads",
	}
	for uri, want := range cases {
		if got := mongoDBFromURI(uri); got != want {
			t.Fatalf("mongoDBFromURI(%q) = %q, want %q", uri, got, want)
		}
	}
}
