// Package dsn parses dbpulse connection strings of the form
//
//	<driver>://<user>:<pass>@tcp(<host>:<port>)/<db>?k=v&...
//	<driver>://<user>:<pass>@unix(<path>)/<db>?k=v&...
//
// into connection parameters and a TLS configuration. It never connects to
// anything; failures here are always configuration errors, not runtime
// ones (see ConfigError).
package dsn

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Mode is a TLS verification posture, independent of the underlying driver.
type Mode string

const (
	ModeDisable    Mode = "disable"
	ModeRequire    Mode = "require"
	ModeVerifyCA   Mode = "verify-ca"
	ModeVerifyFull Mode = "verify-full"
)

// TLSConfig carries the TLS posture and optional certificate material
// extracted from DSN query parameters.
type TLSConfig struct {
	Mode     Mode
	CAPath   string
	CertPath string
	KeyPath  string
}

// Config is the fully parsed, validated connection string.
type Config struct {
	Driver   string // "postgres" or "mysql"
	User     string
	Password string
	Host     string // empty when Socket is set
	Port     int    // 0 when Socket is set
	Socket   string // unix socket path, empty when Host is set
	Database string
	TLS      TLSConfig
	// Extra holds every query parameter not recognized as a TLS setting,
	// preserved verbatim (already URL-decoded) for pass-through to the
	// underlying driver.
	Extra map[string]string
}

// ConfigError reports a malformed DSN or an unreadable referenced file.
// It is always fatal at startup (never retried).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "dsn: " + e.Reason
}

var grammar = regexp.MustCompile(
	`^(?P<driver>[a-zA-Z0-9_]+)://` +
		`(?P<user>[^:@]*):(?P<pass>[^@]*)@` +
		`(?:tcp\((?P<tcp>[^)]*)\)|unix\((?P<unix>[^)]*)\))` +
		`/(?P<db>[^?]*)` +
		`(?:\?(?P<query>.*))?$`,
)

// Parse parses raw into a Config, validating the driver name and, when TLS
// certificate paths are present, that the referenced files exist and are
// readable. A malformed string or an unreadable file yields a *ConfigError.
func Parse(raw string) (*Config, error) {
	m := grammar.FindStringSubmatch(raw)
	if m == nil {
		return nil, &ConfigError{Reason: "malformed connection string"}
	}
	names := grammar.SubexpNames()
	group := func(name string) string {
		for i, n := range names {
			if n == name {
				return m[i]
			}
		}
		return ""
	}

	driver := strings.ToLower(group("driver"))
	switch driver {
	case "postgresql":
		driver = "postgres"
	case "mariadb":
		driver = "mysql"
	case "postgres", "mysql":
	default:
		return nil, &ConfigError{Reason: fmt.Sprintf("unsupported driver %q (want postgres or mysql)", driver)}
	}

	cfg := &Config{
		Driver:   driver,
		User:     group("user"),
		Password: group("pass"),
		Database: group("db"),
		Extra:    map[string]string{},
	}

	if tcp := group("tcp"); tcp != "" {
		host, portStr, err := splitHostPort(tcp)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("malformed tcp address %q: %v", tcp, err)}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("malformed port in %q: %v", tcp, err)}
		}
		cfg.Host = host
		cfg.Port = port
	} else if sock := group("unix"); sock != "" {
		cfg.Socket = sock
	} else {
		return nil, &ConfigError{Reason: "missing tcp(host:port) or unix(path) address"}
	}

	if err := parseParams(cfg, group("query")); err != nil {
		return nil, err
	}

	if err := validateReadable(cfg.TLS.CAPath, cfg.TLS.CertPath, cfg.TLS.KeyPath); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected host:port")
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func parseParams(cfg *Config, query string) error {
	if query == "" {
		return nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return &ConfigError{Reason: fmt.Sprintf("malformed query parameters: %v", err)}
	}

	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		val := vals[0]
		switch strings.ToLower(key) {
		case "sslmode", "ssl-mode":
			mode, err := normalizeMode(val)
			if err != nil {
				return err
			}
			cfg.TLS.Mode = mode
		case "sslrootcert", "sslca", "ssl-ca":
			cfg.TLS.CAPath = val
		case "sslcert", "ssl-cert":
			cfg.TLS.CertPath = val
		case "sslkey", "ssl-key":
			cfg.TLS.KeyPath = val
		default:
			cfg.Extra[key] = val
		}
	}
	return nil
}

func normalizeMode(raw string) (Mode, error) {
	switch strings.ToUpper(raw) {
	case "DISABLE", "DISABLED":
		return ModeDisable, nil
	case "REQUIRE", "REQUIRED":
		return ModeRequire, nil
	case "VERIFY-CA", "VERIFY_CA":
		return ModeVerifyCA, nil
	case "VERIFY-FULL", "VERIFY-IDENTITY", "VERIFY_IDENTITY":
		return ModeVerifyFull, nil
	default:
		return "", &ConfigError{Reason: fmt.Sprintf("unrecognized sslmode %q", raw)}
	}
}

func validateReadable(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("cannot access file %q: %v", p, err)}
		}
		if _, err := os.ReadFile(p); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("cannot read file %q: %v", p, err)}
		}
	}
	return nil
}

// Serialize reconstructs a DSN string equivalent to the one Parse would
// have consumed to produce cfg. It round-trips every recognized and
// unrecognized parameter (query keys are emitted in sorted order for a
// deterministic result), used by tests to check Parse(Serialize(cfg)) ==
// cfg in substance.
func Serialize(cfg *Config) string {
	var addr string
	if cfg.Socket != "" {
		addr = fmt.Sprintf("unix(%s)", cfg.Socket)
	} else {
		addr = fmt.Sprintf("tcp(%s:%d)", cfg.Host, cfg.Port)
	}

	values := url.Values{}
	for k, v := range cfg.Extra {
		values.Set(k, v)
	}
	if cfg.TLS.Mode != "" {
		values.Set("sslmode", string(cfg.TLS.Mode))
	}
	if cfg.TLS.CAPath != "" {
		values.Set("sslrootcert", cfg.TLS.CAPath)
	}
	if cfg.TLS.CertPath != "" {
		values.Set("sslcert", cfg.TLS.CertPath)
	}
	if cfg.TLS.KeyPath != "" {
		values.Set("sslkey", cfg.TLS.KeyPath)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var qp []string
	for _, k := range keys {
		qp = append(qp, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(values.Get(k))))
	}

	dsn := fmt.Sprintf("%s://%s:%s@%s/%s", cfg.Driver, cfg.User, cfg.Password, addr, cfg.Database)
	if len(qp) > 0 {
		dsn += "?" + strings.Join(qp, "&")
	}
	return dsn
}
