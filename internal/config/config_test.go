package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	return Config{
		HTTP: HTTPConfig{Port: 8080},
		Database: DatabaseConfig{
			Addrs: []string{"localhost:6379"},
		},
		Structured: StructuredConfig{
			BaseURL: "https://records.example.gov",
		},
		Embedding: EmbeddingConfig{Provider: "openai"},
		Search:    SearchConfig{KeywordWeight: 0.4, VectorWeight: 0.6},
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_MissingDatabaseAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Addrs = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing database addrs")
	}
}

func TestValidate_MissingStructuredBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Structured.BaseURL = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing structured base URL")
	}
}

func TestValidate_NegativeWeight(t *testing.T) {
	cfg := validConfig()
	cfg.Search.KeywordWeight = -0.1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative weight")
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Provider = "acme"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}

	expected := `embedding.provider must be "openai", got "acme"`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("expected ReadTimeoutSec=10, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.Embedding.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", cfg.Embedding.Provider)
	}
	if cfg.Search.TimeoutMs != 1500 {
		t.Errorf("expected TimeoutMs=1500, got %d", cfg.Search.TimeoutMs)
	}
	if cfg.Search.KeywordWeight != 0.4 || cfg.Search.VectorWeight != 0.6 {
		t.Errorf("expected default weights 0.4/0.6, got %v/%v",
			cfg.Search.KeywordWeight, cfg.Search.VectorWeight)
	}
	if cfg.Sync.Workers != 4 || cfg.Sync.MaxAttempts != 5 {
		t.Errorf("expected sync defaults 4/5, got %d/%d", cfg.Sync.Workers, cfg.Sync.MaxAttempts)
	}
	if cfg.Storage.KeyPrefix != "legisearch:" {
		t.Errorf("expected key prefix legisearch:, got %s", cfg.Storage.KeyPrefix)
	}
}

func TestApplyDefaults_KeepsExplicitWeights(t *testing.T) {
	cfg := Config{Search: SearchConfig{KeywordWeight: 0.7, VectorWeight: 0.3}}
	cfg.ApplyDefaults()

	if cfg.Search.KeywordWeight != 0.7 || cfg.Search.VectorWeight != 0.3 {
		t.Errorf("explicit weights must survive defaults, got %v/%v",
			cfg.Search.KeywordWeight, cfg.Search.VectorWeight)
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("LEGISEARCH_TEST_TOKEN", "sekret")
	defer os.Unsetenv("LEGISEARCH_TEST_TOKEN")

	in := []byte("token: ${LEGISEARCH_TEST_TOKEN}\nhost: ${LEGISEARCH_TEST_HOST:-localhost}\n")
	out := string(expandEnvVars(in))

	want := "token: sekret\nhost: localhost\n"
	if out != want {
		t.Errorf("expandEnvVars:\ngot:  %q\nwant: %q", out, want)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := `
http:
  port: 9090
database:
  addrs: ["localhost:6379"]
structured:
  base_url: "https://records.example.gov"
  rate:
    per_sec: 5
    burst: 5
    queue_bound: 16
search:
  keyword_weight: 0.4
  vector_weight: 0.6
`
	path := filepath.Join(dir, "config", "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load("test")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Structured.Rate.Burst != 5 {
		t.Errorf("burst = %d, want 5", cfg.Structured.Rate.Burst)
	}
	if cfg.Structured.Rate.QueueBound != 16 {
		t.Errorf("queue bound = %d, want 16", cfg.Structured.Rate.QueueBound)
	}
	// Defaults applied on load.
	if cfg.Search.TimeoutMs != 1500 {
		t.Errorf("timeout = %d, want default 1500", cfg.Search.TimeoutMs)
	}
}
