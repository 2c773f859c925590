// Package config loads the control plane's Config from CLI flags with
// environment variable fallbacks, in the style of the teacher's
// cmd/server/main.go (urfave/cli/v2, one EnvVars entry per flag).
package config

import (
	"fmt"
	"time"

	"github.com/fleetctl/fleetctl/internal/provisioning"
	"github.com/urfave/cli/v2"
)

// Config is the fully-resolved set of options spec.md §6 enumerates
// plus the ambient options SPEC_FULL.md §2.1 adds to make the process
// runnable: redis_url, log_level/log_format, metrics_path,
// iaas_base_url, iaas_request_timeout/iaas_connect_timeout,
// stale_sweep_interval/stale_sweep_page_size.
type Config struct {
	DatabaseURL string
	RedisURL    string

	IaaSBaseURL        string
	IaaSToken          string
	IaaSRequestTimeout time.Duration
	IaaSConnectTimeout time.Duration

	EncryptionKey         string
	EncryptionKeyPrevious []string

	ServerHost       string
	ServerPort       int
	AdminBearerToken string

	VMImage  string
	VMRegion string
	VMSize   string

	ControlPlaneURL     string
	HeartbeatStaleAfter time.Duration
	StaleSweepInterval  time.Duration
	StaleSweepPageSize  int

	LogLevel    string
	LogFormat   string
	MetricsPath string

	GuestRepoURL         string
	GuestRepoRef         string
	GuestWorkspaceDir    string
	GuestSkipRepoClone   bool
	GuestSkipDepsInstall bool
}

// Sizing projects the VM-shape fields into the value provisioning.New
// expects.
func (c Config) Sizing() provisioning.VMSizing {
	return provisioning.VMSizing{Region: c.VMRegion, Size: c.VMSize, Image: c.VMImage}
}

// Customizer projects the guest-customizer fields into the value
// provisioning.New expects.
func (c Config) Customizer() provisioning.GuestCustomizer {
	return provisioning.GuestCustomizer{
		RepoURL: c.GuestRepoURL, RepoRef: c.GuestRepoRef, WorkspaceDir: c.GuestWorkspaceDir,
		SkipRepoClone: c.GuestSkipRepoClone, SkipDepsInstall: c.GuestSkipDepsInstall,
	}
}

// Addr returns the "host:port" listen address server mode binds to.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// RequireServerMode enforces spec.md §6's rule that no default may
// silently point at a production host: control_plane_url has no
// default value at all, so the process refuses to start in server mode
// without it explicitly set.
func (c Config) RequireServerMode() error {
	if c.ControlPlaneURL == "" {
		return fmt.Errorf("config: control_plane_url is required to start in server mode")
	}
	if c.AdminBearerToken == "" {
		return fmt.Errorf("config: admin_bearer_token is required to start in server mode")
	}
	return nil
}

// Flags is the shared flag set every subcommand (server, worker,
// migrate) draws from — not every subcommand reads every flag, but a
// single set keeps env var names and defaults from drifting between
// commands the way two independently-declared flag sets would.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "database-url", Usage: "Postgres connection string", EnvVars: []string{"FLEETCTL_DATABASE_URL"}, Required: true},
		&cli.StringFlag{Name: "redis-url", Usage: "Redis connection string backing the provisioning idempotency lock", EnvVars: []string{"FLEETCTL_REDIS_URL"}, Required: true},

		&cli.StringFlag{Name: "iaas-base-url", Usage: "Base URL of the abstract IaaS provider", EnvVars: []string{"FLEETCTL_IAAS_BASE_URL"}, Required: true},
		&cli.StringFlag{Name: "iaas-token", Usage: "IaaS provider bearer credential", EnvVars: []string{"FLEETCTL_IAAS_TOKEN"}, Required: true},
		&cli.DurationFlag{Name: "iaas-request-timeout", Usage: "Per-request timeout for IaaS calls", Value: 30 * time.Second, EnvVars: []string{"FLEETCTL_IAAS_REQUEST_TIMEOUT"}},
		&cli.DurationFlag{Name: "iaas-connect-timeout", Usage: "Dial/TLS handshake timeout for IaaS calls", Value: 10 * time.Second, EnvVars: []string{"FLEETCTL_IAAS_CONNECT_TIMEOUT"}},

		&cli.StringFlag{Name: "encryption-key", Usage: "Current base64-encoded 32-byte secret-cipher key", EnvVars: []string{"FLEETCTL_ENCRYPTION_KEY"}, Required: true},
		&cli.StringSliceFlag{Name: "encryption-key-previous", Usage: "Retired base64-encoded 32-byte keys, tried only on decrypt", EnvVars: []string{"FLEETCTL_ENCRYPTION_KEY_PREVIOUS"}},

		&cli.StringFlag{Name: "server-host", Usage: "HTTP listen host", Value: "0.0.0.0", EnvVars: []string{"FLEETCTL_SERVER_HOST"}},
		&cli.IntFlag{Name: "server-port", Usage: "HTTP listen port", Value: 8080, EnvVars: []string{"FLEETCTL_SERVER_PORT"}},
		&cli.StringFlag{Name: "admin-bearer-token", Usage: "Static bearer token guarding the admin surface", EnvVars: []string{"FLEETCTL_ADMIN_BEARER_TOKEN"}},

		&cli.StringFlag{Name: "vm-image", Usage: "Guest VM image identifier", Value: "ubuntu-22-04-x64", EnvVars: []string{"FLEETCTL_VM_IMAGE"}},
		&cli.StringFlag{Name: "vm-region", Usage: "Guest VM region", Value: "us-east", EnvVars: []string{"FLEETCTL_VM_REGION"}},
		&cli.StringFlag{Name: "vm-size", Usage: "Guest VM size/SKU", Value: "small", EnvVars: []string{"FLEETCTL_VM_SIZE"}},

		// control_plane_url intentionally carries no Value: a default
		// here would be exactly the "silently points at a production
		// host" case spec.md §6 forbids.
		&cli.StringFlag{Name: "control-plane-url", Usage: "Base URL guests use to reach this service", EnvVars: []string{"FLEETCTL_CONTROL_PLANE_URL"}},
		&cli.DurationFlag{Name: "heartbeat-stale-after", Usage: "Silence duration after which an online bot is swept to error", Value: 5 * time.Minute, EnvVars: []string{"FLEETCTL_HEARTBEAT_STALE_AFTER"}},
		&cli.DurationFlag{Name: "stale-sweep-interval", Usage: "How often the stale sweeper ticks", Value: time.Minute, EnvVars: []string{"FLEETCTL_STALE_SWEEP_INTERVAL"}},
		&cli.IntFlag{Name: "stale-sweep-page-size", Usage: "Max bots transitioned per stale-sweep tick", Value: 500, EnvVars: []string{"FLEETCTL_STALE_SWEEP_PAGE_SIZE"}},

		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, or error", Value: "info", EnvVars: []string{"FLEETCTL_LOG_LEVEL"}},
		&cli.StringFlag{Name: "log-format", Usage: "json or console", Value: "json", EnvVars: []string{"FLEETCTL_LOG_FORMAT"}},
		&cli.StringFlag{Name: "metrics-path", Usage: "Path the /metrics endpoint is served under", Value: "/metrics", EnvVars: []string{"FLEETCTL_METRICS_PATH"}},

		&cli.StringFlag{Name: "guest-repo-url", Usage: "Strategy repo the guest clones on first boot", EnvVars: []string{"FLEETCTL_GUEST_REPO_URL"}},
		&cli.StringFlag{Name: "guest-repo-ref", Usage: "Git ref to clone", Value: "main", EnvVars: []string{"FLEETCTL_GUEST_REPO_REF"}},
		&cli.StringFlag{Name: "guest-workspace-dir", Usage: "Guest-side directory the strategy repo is cloned into", Value: "/opt/fleet-agent/strategy", EnvVars: []string{"FLEETCTL_GUEST_WORKSPACE_DIR"}},
		&cli.BoolFlag{Name: "guest-skip-repo-clone", Usage: "Skip cloning a strategy repo in the guest bootstrap", EnvVars: []string{"FLEETCTL_GUEST_SKIP_REPO_CLONE"}},
		&cli.BoolFlag{Name: "guest-skip-deps-install", Usage: "Skip installing guest OS dependencies", EnvVars: []string{"FLEETCTL_GUEST_SKIP_DEPS_INSTALL"}},
	}
}

// FromContext reads every flag declared by Flags out of a populated
// cli.Context.
func FromContext(c *cli.Context) Config {
	return Config{
		DatabaseURL: c.String("database-url"),
		RedisURL:    c.String("redis-url"),

		IaaSBaseURL:        c.String("iaas-base-url"),
		IaaSToken:          c.String("iaas-token"),
		IaaSRequestTimeout: c.Duration("iaas-request-timeout"),
		IaaSConnectTimeout: c.Duration("iaas-connect-timeout"),

		EncryptionKey:         c.String("encryption-key"),
		EncryptionKeyPrevious: c.StringSlice("encryption-key-previous"),

		ServerHost:       c.String("server-host"),
		ServerPort:       c.Int("server-port"),
		AdminBearerToken: c.String("admin-bearer-token"),

		VMImage:  c.String("vm-image"),
		VMRegion: c.String("vm-region"),
		VMSize:   c.String("vm-size"),

		ControlPlaneURL:     c.String("control-plane-url"),
		HeartbeatStaleAfter: c.Duration("heartbeat-stale-after"),
		StaleSweepInterval:  c.Duration("stale-sweep-interval"),
		StaleSweepPageSize:  c.Int("stale-sweep-page-size"),

		LogLevel:    c.String("log-level"),
		LogFormat:   c.String("log-format"),
		MetricsPath: c.String("metrics-path"),

		GuestRepoURL:         c.String("guest-repo-url"),
		GuestRepoRef:         c.String("guest-repo-ref"),
		GuestWorkspaceDir:    c.String("guest-workspace-dir"),
		GuestSkipRepoClone:   c.Bool("guest-skip-repo-clone"),
		GuestSkipDepsInstall: c.Bool("guest-skip-deps-install"),
	}
}
