package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
)

// EnvPrefix namespaces environment overrides: flag "mods-dir" reads LMMODS_MODS_DIR.
const EnvPrefix = "LMMODS_"

type App struct {
	ConfigFile string
	EnvFile    string

	LogFormat         string
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	OpsPort     int
	EnablePprof bool
	TrustedHops int
	HSTS        bool

	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	ModsDir           string
	ManifestPath      string
	Extension         string
	URLPrefix         string
	ManifestVersion   string
	MinecraftVersion  string
	RegenerateOnStart bool
	WatchDir          bool
	WatchDebounce     time.Duration

	AdminPassword     string
	AdminPasswordHash string
	SessionSecret     string
	SecureCookies     bool
	SessionMaxAge     time.Duration
	MaxUploadMB       int
	LoginPerMinute    int
	RateLimitRPS      float64
	RateLimitBurst    int

	ManifestSigningKeyARN string

	PublishBackend  string
	PublishBucket   string
	PublishPrefix   string
	PublishSSMParam string
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioUseSSL     bool
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML config file (keys are flag names)")
	fs.StringVar(&c.EnvFile, "env-file", ".env", "optional dotenv file loaded before reading env")

	fs.StringVar(&c.LogFormat, "log-format", "json", "json|logfmt")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 5000, "public + admin listen TCP port (1..65535)")
	fs.IntVar(&c.OpsPort, "ops-port", 9000, "metrics/health/pprof listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "enable pprof (ops port only)")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server (0 ignores X-Forwarded-For)")
	fs.BoolVar(&c.HSTS, "hsts", false, "send Strict-Transport-Security")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) for pyro-server")

	fs.StringVar(&c.ModsDir, "mods-dir", "mods", "tracked package directory")
	fs.StringVar(&c.ManifestPath, "manifest-path", "", "manifest file (default <mods-dir>/manifest.json)")
	fs.StringVar(&c.Extension, "extension", "jar", "accepted package file extension")
	fs.StringVar(&c.URLPrefix, "url-prefix", "/mods/", "download URL prefix written into manifest entries")
	fs.StringVar(&c.ManifestVersion, "manifest-version", "1.0.0", "manifest format version")
	fs.StringVar(&c.MinecraftVersion, "minecraft-version", "1.20.1", "target game version recorded in the manifest")
	fs.BoolVar(&c.RegenerateOnStart, "regenerate-on-start", true, "rebuild the manifest at startup")
	fs.BoolVar(&c.WatchDir, "watch-dir", false, "regenerate when the package directory changes out of band")
	fs.DurationVar(&c.WatchDebounce, "watch-debounce", 2*time.Second, "quiet period before a watch-triggered regeneration")

	fs.StringVar(&c.AdminPassword, "admin-password", "", "admin password (plain)")
	fs.StringVar(&c.AdminPasswordHash, "admin-password-hash", "", "admin password bcrypt hash (wins over admin-password)")
	fs.StringVar(&c.SessionSecret, "session-secret", "", "session cookie signing key (>= 32 bytes)")
	fs.BoolVar(&c.SecureCookies, "secure-cookies", true, "mark session cookies Secure")
	fs.DurationVar(&c.SessionMaxAge, "session-max-age", 12*time.Hour, "admin session lifetime")
	fs.IntVar(&c.MaxUploadMB, "max-upload-mb", 512, "max upload request size in MiB")
	fs.IntVar(&c.LoginPerMinute, "login-per-minute", 10, "login attempts per client IP per minute")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 50, "per-IP request rate on public routes (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 100, "per-IP burst on public routes")

	fs.StringVar(&c.ManifestSigningKeyARN, "manifest-signing-key-arn", "", "KMS key ARN used to sign manifest.json")

	fs.StringVar(&c.PublishBackend, "publish-backend", "", "mirror manifest + packages to: s3|minio (empty disables)")
	fs.StringVar(&c.PublishBucket, "publish-bucket", "", "bucket for the publish backend")
	fs.StringVar(&c.PublishPrefix, "publish-prefix", "", "key prefix for published objects")
	fs.StringVar(&c.PublishSSMParam, "publish-ssm-param", "", "SSM parameter updated with the published manifest digest (s3 only)")
	fs.StringVar(&c.MinioEndpoint, "minio-endpoint", "", "minio endpoint (host:port)")
	fs.StringVar(&c.MinioAccessKey, "minio-access-key", "", "minio access key")
	fs.StringVar(&c.MinioSecretKey, "minio-secret-key", "", "minio secret key")
	fs.BoolVar(&c.MinioUseSSL, "minio-use-ssl", true, "use TLS for minio")
}

// ResolvedManifestPath is ManifestPath, or manifest.json inside ModsDir.
func (c App) ResolvedManifestPath() string {
	if c.ManifestPath != "" {
		return c.ManifestPath
	}
	return filepath.Join(c.ModsDir, "manifest.json")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from the
// environment. Flag "foo-bar" maps to PREFIX_FOO_BAR. Flags set here count as
// set for ApplyFile, which keeps env above the config file.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := setFlags(fs)
	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

// Validate checks everything the long-running server needs and reports every
// invalid field at once.
func Validate(c App) error {
	errs := validateCommon(c)
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.OpsPort < 1 || c.OpsPort > 65535 {
		add("invalid OPS_PORT %d (must be 1..65535)", c.OpsPort)
	}
	if c.OpsPort == c.HTTPPort {
		add("OPS_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 {
		add("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}

	if c.WatchDir && c.WatchDebounce <= 0 {
		add("WATCH_DEBOUNCE must be > 0 when WATCH_DIR=true")
	}

	if c.AdminPassword == "" && c.AdminPasswordHash == "" {
		add("one of ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required")
	}
	if len(c.SessionSecret) < 32 {
		add("SESSION_SECRET must be at least 32 bytes")
	}
	if c.SessionMaxAge <= 0 {
		add("SESSION_MAX_AGE must be > 0")
	}
	if c.MaxUploadMB < 1 {
		add("MAX_UPLOAD_MB must be >= 1 (got %d)", c.MaxUploadMB)
	}
	if c.LoginPerMinute < 1 {
		add("LOGIN_PER_MINUTE must be >= 1 (got %d)", c.LoginPerMinute)
	}
	if c.RateLimitRPS < 0 {
		add("RATE_LIMIT_RPS must be >= 0")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		add("RATE_LIMIT_BURST must be >= 1 when rate limiting is enabled")
	}

	return errors.Join(errs...)
}

// ValidateGenerator checks the subset one-shot regeneration uses: logging,
// tracing, the tracked directory and publishing.
func ValidateGenerator(c App) error {
	return errors.Join(validateCommon(c)...)
}

func validateCommon(c App) []error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.LogFormat {
	case "json", "logfmt":
	default:
		add("invalid LOG_FORMAT %q (json|logfmt)", c.LogFormat)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if strings.TrimSpace(c.ModsDir) == "" {
		add("MODS_DIR is required")
	}
	if c.Extension == "" || strings.ContainsAny(c.Extension, `./\`) {
		add("invalid EXTENSION %q (bare extension like jar)", c.Extension)
	}
	if !strings.HasPrefix(c.URLPrefix, "/") || !strings.HasSuffix(c.URLPrefix, "/") {
		add("URL_PREFIX must start and end with / (got %q)", c.URLPrefix)
	}
	if c.ManifestVersion == "" {
		add("MANIFEST_VERSION is required")
	}

	switch c.PublishBackend {
	case "":
	case "s3":
		if c.PublishBucket == "" {
			add("PUBLISH_BUCKET required for publish-backend=s3")
		}
	case "minio":
		if c.PublishBucket == "" {
			add("PUBLISH_BUCKET required for publish-backend=minio")
		}
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			add("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY required for publish-backend=minio")
		}
		if c.PublishSSMParam != "" {
			add("PUBLISH_SSM_PARAM is only supported with publish-backend=s3")
		}
	default:
		add("invalid PUBLISH_BACKEND %q (s3|minio)", c.PublishBackend)
	}

	return errs
}
