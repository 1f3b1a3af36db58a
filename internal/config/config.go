// Package config loads runtime configuration for the quote-sender
// pipeline from config.json, with .env overrides for local development.
// Secrets never live here; they come from the credential store.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds all tunables for a batch run. Zero values are filled from
// Default before the file is applied, so a partial config.json is fine.
type Config struct {
	// Dedupe and rerun policy
	DedupeKeyVersion         string `json:"dedupe_key_version"`
	RerunPolicyDefault       string `json:"rerun_policy_default"`
	RerunScope               string `json:"rerun_scope"`
	RerunWindowHours         int    `json:"rerun_window_hours"`
	DedupeInProgressTTLSec   int    `json:"dedupe_in_progress_ttl_sec"`
	DedupeHeartbeatSec       int    `json:"dedupe_heartbeat_sec"`
	UnknownSentHoldSec       int    `json:"unknown_sent_hold_sec"`
	IdempotencySecretVersion string `json:"idempotency_secret_version"`
	DedupeBusyTimeoutMS      int    `json:"dedupe_busy_timeout_ms"`
	DedupeRetryAttempts      int    `json:"dedupe_retry_attempts"`

	// Batch limits and pacing
	MaxRecipients         int `json:"max_recipients"`
	ConfirmationThreshold int `json:"confirmation_threshold"`
	SendIntervalSec       int `json:"send_interval_sec"`

	// URL validation
	URLTimeoutSec int `json:"url_timeout_sec"`
	URLRetryCount int `json:"url_retry_count"`
	MaxRedirects  int `json:"max_redirects"`

	// Retention
	LogRetentionDays            int `json:"log_retention_days"`
	RequestHistoryRetentionDays int `json:"request_history_retention_days"`
	HMACRotationDays            int `json:"hmac_rotation_days"`

	// Workflow
	WorkflowModeDefault string `json:"workflow_mode_default"`
	SendModeDefault     string `json:"send_mode_default"`

	// Credential store service names
	CredentialTargetName  string `json:"credential_target_name"`
	HMACCredentialService string `json:"hmac_credential_service"`

	// Domain safety
	DomainWhitelist []string `json:"domain_whitelist"`
	DomainBlacklist []string `json:"domain_blacklist"`

	// Paths
	LedgerSQLitePath string `json:"ledger_sqlite_path"`
	LogDir           string `json:"log_dir"`
	OutputDir        string `json:"output_dir"`

	// Transport
	SMTPHost    string `json:"smtp_host"`
	SMTPPort    int    `json:"smtp_port"`
	FromAddress string `json:"from_address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DedupeKeyVersion:         "v2",
		RerunPolicyDefault:       "auto_skip",
		RerunScope:               "global",
		RerunWindowHours:         24,
		DedupeInProgressTTLSec:   2700,
		DedupeHeartbeatSec:       30,
		UnknownSentHoldSec:       1800,
		IdempotencySecretVersion: "v1",
		DedupeBusyTimeoutMS:      15000,
		DedupeRetryAttempts:      5,

		MaxRecipients:         50,
		ConfirmationThreshold: 5,
		SendIntervalSec:       3,

		URLTimeoutSec: 10,
		URLRetryCount: 2,
		MaxRedirects:  5,

		LogRetentionDays:            90,
		RequestHistoryRetentionDays: 365,
		HMACRotationDays:            180,

		WorkflowModeDefault: "legacy",
		SendModeDefault:     "auto",

		CredentialTargetName: "見積依頼スキル",

		LedgerSQLitePath: "./logs/send_ledger.sqlite3",
		LogDir:           "./logs",
		OutputDir:        "./outputs",

		SMTPPort: 587,
	}
}

// Load reads config.json from path, applying the file over Default. A
// missing file yields the defaults. A .env file in the working directory
// is loaded first so local runs can point at alternate paths.
func Load(path string) (Config, error) {
	// .env is optional; absence is the normal production case
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = "./config.json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	if cfg.HMACCredentialService == "" {
		cfg.HMACCredentialService = cfg.CredentialTargetName
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.RerunPolicyDefault {
	case "auto_skip", "confirm":
	default:
		return fmt.Errorf("config: rerun_policy_default %q is not auto_skip or confirm", c.RerunPolicyDefault)
	}
	switch c.RerunScope {
	case "global", "same_run":
	default:
		return fmt.Errorf("config: rerun_scope %q is not global or same_run", c.RerunScope)
	}
	switch c.WorkflowModeDefault {
	case "enhanced", "legacy":
	default:
		return fmt.Errorf("config: workflow_mode_default %q is not enhanced or legacy", c.WorkflowModeDefault)
	}
	switch c.SendModeDefault {
	case "auto", "manual", "draft_only":
	default:
		return fmt.Errorf("config: send_mode_default %q is not auto, manual or draft_only", c.SendModeDefault)
	}
	if c.MaxRecipients <= 0 {
		return fmt.Errorf("config: max_recipients must be positive")
	}
	return nil
}
