package dsn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_TCP(t *testing.T) {
	cfg, err := Parse("postgres://u:p@tcp(127.0.0.1:5432)/testdb")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "u", cfg.User)
	assert.Equal(t, "p", cfg.Password)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "testdb", cfg.Database)
	assert.Empty(t, cfg.Socket)
}

func TestParse_Unix(t *testing.T) {
	cfg, err := Parse("mysql://u:p@unix(/var/run/mysqld/mysqld.sock)/testdb")
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Driver)
	assert.Equal(t, "/var/run/mysqld/mysqld.sock", cfg.Socket)
	assert.Zero(t, cfg.Port)
}

func TestParse_DriverAliases(t *testing.T) {
	cfg, err := Parse("postgresql://u:p@tcp(h:1)/d")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)

	cfg, err = Parse("mariadb://u:p@tcp(h:1)/d")
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Driver)
}

func TestParse_UnsupportedDriver(t *testing.T) {
	_, err := Parse("oracle://u:p@tcp(h:1)/d")
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParse_Malformed(t *testing.T) {
	cases := []string{
		"not-a-dsn-at-all",
		"postgres://u:p@127.0.0.1:5432/testdb",
		"postgres://u:p@tcp(127.0.0.1)/testdb",
	}
	for _, raw := range cases {
		_, err := Parse(raw)
		assert.Error(t, err, raw)
	}
}

func TestParse_SSLModeSpellings(t *testing.T) {
	cases := map[string]Mode{
		"sslmode=require":           ModeRequire,
		"ssl-mode=REQUIRED":         ModeRequire,
		"sslmode=VERIFY_CA":         ModeVerifyCA,
		"sslmode=verify-ca":         ModeVerifyCA,
		"sslmode=VERIFY_IDENTITY":   ModeVerifyFull,
		"sslmode=verify-full":       ModeVerifyFull,
		"sslmode=disable":           ModeDisable,
	}
	for query, want := range cases {
		cfg, err := Parse("postgres://u:p@tcp(h:1)/d?" + query)
		require.NoError(t, err, query)
		assert.Equal(t, want, cfg.TLS.Mode, query)
	}
}

func TestParse_UnknownParamsPreserved(t *testing.T) {
	cfg, err := Parse("mysql://u:p@tcp(h:3306)/d?parseTime=true&foo=bar")
	require.NoError(t, err)
	assert.Equal(t, "true", cfg.Extra["parseTime"])
	assert.Equal(t, "bar", cfg.Extra["foo"])
}

func TestParse_CertPathsUnreadable(t *testing.T) {
	_, err := Parse("postgres://u:p@tcp(h:1)/d?sslmode=verify-ca&sslrootcert=/no/such/file.pem")
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParse_CertPathsReadable(t *testing.T) {
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("fake-ca"), 0o644))

	cfg, err := Parse("postgres://u:p@tcp(h:1)/d?sslmode=verify-ca&sslrootcert=" + ca)
	require.NoError(t, err)
	assert.Equal(t, ca, cfg.TLS.CAPath)
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("fake-ca"), 0o644))

	original, err := Parse("postgres://u:p@tcp(127.0.0.1:5432)/testdb?sslmode=verify-full&sslrootcert=" + ca + "&foo=bar")
	require.NoError(t, err)

	reparsed, err := Parse(Serialize(original))
	require.NoError(t, err)

	assert.Equal(t, original.Driver, reparsed.Driver)
	assert.Equal(t, original.User, reparsed.User)
	assert.Equal(t, original.Password, reparsed.Password)
	assert.Equal(t, original.Host, reparsed.Host)
	assert.Equal(t, original.Port, reparsed.Port)
	assert.Equal(t, original.Database, reparsed.Database)
	assert.Equal(t, original.TLS, reparsed.TLS)
	assert.Equal(t, original.Extra, reparsed.Extra)
}
