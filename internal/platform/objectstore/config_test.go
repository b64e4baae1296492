package objectstore

import "testing"

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.BucketReports != "run-reports" {
		t.Fatalf("BucketReports=%q, want run-reports", cfg.BucketReports)
	}
}

func TestConfigValidate_RejectsScheme(t *testing.T) {
	cfg := Config{Endpoint: "http://minio:9000", AccessKey: "a", SecretKey: "b", Region: "r", BucketReports: "x"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for endpoint with scheme")
	}
}

func TestNewMinIOClient_InvalidConfig(t *testing.T) {
	if _, err := NewMinIOClient(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
