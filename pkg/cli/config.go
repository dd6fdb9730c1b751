/*
Package cli facilitates building command-line applications that observe and command vehicles over
a persistent backend session. It defines a [Config] type that can be used to register common
command-line flags (using the Golang flag package), environment variable equivalents and a YAML
configuration file.

The package uses [keyring]'s platform-agnostic interface for storing OAuth refresh tokens in an
OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for OAuth, server, cache, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadConfigFile()           // Fills in remaining fields from -config
	config.LoadCredentials()          // Prompt for Keyring password if needed

	s, vehicles, acct, err := config.Connect(pins, nil)
	if err != nil {
		panic(err)
	}
	defer s.Stop()

Values are resolved in order of precedence: command-line flags, environment variables, the
configuration file, built-in defaults.
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/account"
	"github.com/teslamotors/vehicle-session/pkg/cache"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/connector/inet"
	"github.com/teslamotors/vehicle-session/pkg/session"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvVehicleVIN          = "VEHICLE_VIN"
	EnvVehicleConfigFile   = "VEHICLE_CONFIG_FILE"
	EnvVehicleTokenName    = "VEHICLE_TOKEN_NAME"
	EnvVehicleTokenFile    = "VEHICLE_TOKEN_FILE"
	EnvVehicleClientID     = "VEHICLE_CLIENT_ID"
	EnvVehicleTokenURL     = "VEHICLE_TOKEN_URL"
	EnvVehicleServerURL    = "VEHICLE_SERVER_URL"
	EnvVehicleAPIHost      = "VEHICLE_API_HOST"
	EnvVehicleCacheFile    = "VEHICLE_CACHE_FILE"
	EnvVehicleKeyringType  = "VEHICLE_KEYRING_TYPE"
	EnvVehicleKeyringPass  = "VEHICLE_KEYRING_PASSWORD"
	EnvVehicleKeyringPath  = "VEHICLE_KEYRING_PATH"
	EnvVehicleKeyringDebug = "VEHICLE_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagVIN     Flag = 1 // Enable VIN option.
	FlagOAuth   Flag = 2 // Enable OAuth options.
	FlagSession Flag = 4 // Enable backend session options. Requires FlagOAuth.
	FlagCache   Flag = 8 // Enable status cache options.
	FlagAll     Flag = FlagVIN | FlagOAuth | FlagSession | FlagCache
)

const (
	defaultCacheSize      = 10
	defaultCommandTimeout = 6 * time.Second
)

var (
	ErrNoTokenSpecified = errors.New("OAuth refresh token location not provided")
	ErrNoServer         = errors.New("backend server URL and API host are required")
	ErrTokenNotFound    = keyring.ErrKeyNotFound
)

// Config fields determine how a client authenticates to and connects with the vehicle backend.
type Config struct {
	Flags            Flag   // Controls which set of environment variables/CLI flags to use.
	ConfigFilename   string // YAML file providing defaults for the fields below.
	KeyringTokenName string // Username for OAuth refresh token in system keyring
	TokenFilename    string // File containing OAuth refresh token
	ClientID         string
	TokenURL         string
	ServerURL        string // WebSocket URL of the push endpoint
	APIHost          string // Host of the REST API
	VIN              string
	CacheFilename    string
	CacheSize        int
	CommandTimeout   time.Duration

	// ManualTokenRefresh stops the session from fetching a new token on its own after the server
	// rejects the current one.
	ManualTokenRefresh bool

	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	password     *string
	refreshToken string
	tokens       *account.TokenSource
	statuses     *cache.StatusCache
}

// fileConfig is the schema of the YAML configuration file.
type fileConfig struct {
	VIN                string        `yaml:"vin"`
	ClientID           string        `yaml:"client_id"`
	TokenURL           string        `yaml:"token_url"`
	ServerURL          string        `yaml:"server_url"`
	APIHost            string        `yaml:"api_host"`
	TokenName          string        `yaml:"token_name"`
	TokenFile          string        `yaml:"token_file"`
	CacheFile          string        `yaml:"cache_file"`
	CacheSize          int           `yaml:"cache_size"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	ManualTokenRefresh bool          `yaml:"manual_token_refresh"`
	Keyring            struct {
		Type string `yaml:"type"`
		Dir  string `yaml:"dir"`
	} `yaml:"keyring"`
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

// RegisterCommandLineFlags registers c's options with the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags registers c's options with fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFilename, "config", "", "Load defaults from YAML `file`. Defaults to $VEHICLE_CONFIG_FILE.")
	if c.Flags.isSet(FlagVIN) {
		fs.StringVar(&c.VIN, "vin", "", "Vehicle Identification Number. Defaults to $VEHICLE_VIN.")
	}
	if c.Flags.isSet(FlagOAuth) {
		fs.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for OAuth refresh token. Defaults to $VEHICLE_TOKEN_NAME.")
		fs.StringVar(&c.TokenFilename, "token-file", "", "`File` containing OAuth refresh token. Defaults to $VEHICLE_TOKEN_FILE.")
		fs.StringVar(&c.ClientID, "client-id", "", "OAuth client `id`. Defaults to $VEHICLE_CLIENT_ID.")
		fs.StringVar(&c.TokenURL, "token-url", "", "OAuth token endpoint `url`. Defaults to $VEHICLE_TOKEN_URL.")
	}
	if c.Flags.isSet(FlagSession) {
		if !c.Flags.isSet(FlagOAuth) {
			log.Debug("FlagSession is set but FlagOAuth is not. A token is required to open a session.")
		}
		fs.StringVar(&c.ServerURL, "server", "", "WebSocket `url` of the backend. Defaults to $VEHICLE_SERVER_URL.")
		fs.StringVar(&c.APIHost, "api-host", "", "`Host` of the REST API. Defaults to $VEHICLE_API_HOST.")
		fs.DurationVar(&c.CommandTimeout, "command-timeout", 0, "How long to wait for a command to complete")
		fs.BoolVar(&c.ManualTokenRefresh, "manual-token-refresh", false, "Do not refresh rejected tokens automatically")
	}
	if c.Flags.isSet(FlagCache) {
		fs.StringVar(&c.CacheFilename, "status-cache", "", "Load vehicle status cache from `file`. Defaults to $VEHICLE_CACHE_FILE.")
		fs.IntVar(&c.CacheSize, "status-cache-size", 0, "Maximum number of vehicles in the status cache")
	}
	if c.Flags.isSet(FlagOAuth) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $VEHICLE_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", "", "keyring `directory` for file-backed keyring types. Defaults to "+keyringDirectory+".")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// LoadCredentials attempts to open a keyring, prompting for a password if needed. Call this method
// before [Config.Connect] to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagOAuth) {
		if _, err := c.token(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	setFromEnv(&c.ConfigFilename, EnvVehicleConfigFile, "config file")
	if c.Flags.isSet(FlagVIN) {
		setFromEnv(&c.VIN, EnvVehicleVIN, "VIN")
	}
	if c.Flags.isSet(FlagOAuth) {
		if c.KeyringTokenName == "" && c.TokenFilename == "" {
			setFromEnv(&c.KeyringTokenName, EnvVehicleTokenName, "OAuth token name")
			setFromEnv(&c.TokenFilename, EnvVehicleTokenFile, "OAuth token file")
		}
		setFromEnv(&c.ClientID, EnvVehicleClientID, "OAuth client ID")
		setFromEnv(&c.TokenURL, EnvVehicleTokenURL, "OAuth token URL")

		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvVehicleKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvVehicleKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		setFromEnv(&c.Backend.FileDir, EnvVehicleKeyringPath, "keyring File Path")
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvVehicleKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
	if c.Flags.isSet(FlagSession) {
		setFromEnv(&c.ServerURL, EnvVehicleServerURL, "server URL")
		setFromEnv(&c.APIHost, EnvVehicleAPIHost, "API host")
	}
	if c.Flags.isSet(FlagCache) {
		setFromEnv(&c.CacheFilename, EnvVehicleCacheFile, "status cache file")
	}
}

func setFromEnv(field *string, name, description string) {
	if *field != "" {
		return
	}
	if value, ok := os.LookupEnv(name); ok {
		*field = value
		log.Debug("Set %s to '%s'", description, value)
	}
}

// LoadConfigFile fills fields that are still unset from c.ConfigFilename, then applies defaults.
// It does nothing but apply defaults if no file is configured.
func (c *Config) LoadConfigFile() error {
	if c.ConfigFilename != "" {
		data, err := os.ReadFile(c.ConfigFilename)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := c.applyFile(data); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", c.ConfigFilename, err)
		}
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaultCacheSize
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.Backend.FileDir == "" {
		c.Backend.FileDir = keyringDirectory
	}
	return nil
}

func (c *Config) applyFile(data []byte) error {
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	fill := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}
	fill(&c.VIN, file.VIN)
	fill(&c.ClientID, file.ClientID)
	fill(&c.TokenURL, file.TokenURL)
	fill(&c.ServerURL, file.ServerURL)
	fill(&c.APIHost, file.APIHost)
	if c.KeyringTokenName == "" && c.TokenFilename == "" {
		c.KeyringTokenName = file.TokenName
		c.TokenFilename = file.TokenFile
	}
	fill(&c.CacheFilename, file.CacheFile)
	fill(&c.Backend.FileDir, file.Keyring.Dir)
	if c.CacheSize == 0 {
		c.CacheSize = file.CacheSize
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = file.CommandTimeout
	}
	c.ManualTokenRefresh = c.ManualTokenRefresh || file.ManualTokenRefresh
	if c.BackendType.String() == string(keyring.InvalidBackend) && file.Keyring.Type != "" {
		if err := c.BackendType.Set(file.Keyring.Type); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) token() (string, error) {
	if c.refreshToken != "" {
		return c.refreshToken, nil
	}
	if c.TokenFilename == "" && c.KeyringTokenName == "" {
		return "", ErrNoTokenSpecified
	}
	var err error
	if c.TokenFilename != "" {
		token, err := os.ReadFile(c.TokenFilename)
		if err == nil {
			c.refreshToken = strings.TrimSpace(string(token))
			return c.refreshToken, nil
		}
		if !errors.Is(err, os.ErrNotExist) || c.KeyringTokenName == "" {
			return "", err
		}
		// If the token file doesn't exist, fall through to trying to load from the system keyring.
	}
	c.refreshToken, err = c.LoadTokenFromKeyring()
	return c.refreshToken, err
}

// saveRotatedToken persists a refresh token issued by the server in place of the old one.
func (c *Config) saveRotatedToken(token string) {
	c.refreshToken = token
	var err error
	if c.KeyringTokenName != "" {
		err = c.SaveTokenToKeyring(token)
	} else if c.TokenFilename != "" {
		err = os.WriteFile(c.TokenFilename, []byte(token), 0600)
	}
	if err != nil {
		log.Error("Failed to save rotated refresh token: %s", err)
	}
}

// TokenSource returns the configured OAuth token provider. It is created once; later calls return
// the same instance.
func (c *Config) TokenSource() (*account.TokenSource, error) {
	if c.tokens != nil {
		return c.tokens, nil
	}
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	if c.TokenURL == "" {
		return nil, fmt.Errorf("OAuth token URL not provided")
	}
	c.tokens = account.NewTokenSource(c.TokenURL, c.ClientID, token)
	c.tokens.OnRotate = c.saveRotatedToken
	return c.tokens, nil
}

// Account returns the configured account.
func (c *Config) Account() (*account.Account, error) {
	tokens, err := c.TokenSource()
	if err != nil {
		return nil, err
	}
	return account.New(c.APIHost, tokens, "")
}

// Cache loads the status cache from c.CacheFilename, or creates an empty one. If a file is
// configured, the cache is written back to it after every update.
func (c *Config) Cache() (*cache.StatusCache, error) {
	if c.statuses != nil {
		return c.statuses, nil
	}
	if c.CacheFilename == "" {
		c.statuses = cache.New(c.CacheSize)
		return c.statuses, nil
	}
	log.Debug("Loading cache from %s...", c.CacheFilename)
	statuses, err := cache.ImportFromFile(c.CacheFilename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load status cache: %w", err)
		}
		// Create a new cache if one couldn't be loaded from the file
		statuses = cache.New(c.CacheSize)
	}
	statuses.MaxEntries = c.CacheSize
	statuses.PersistTo(c.CacheFilename)
	c.statuses = statuses
	return statuses, nil
}

// Connect creates a session with the backend. The session is not connected until an observer
// calls Session.Connect. pins and reg may be nil.
//
// The returned Selection initially selects c.VIN; the returned Account refreshes the vehicle list
// whenever the backend announces a change.
func (c *Config) Connect(pins connector.PinProvider, reg prometheus.Registerer) (*session.Session, *session.Selection, *account.Account, error) {
	if c.ServerURL == "" || c.APIHost == "" {
		return nil, nil, nil, ErrNoServer
	}
	tokens, err := c.TokenSource()
	if err != nil {
		return nil, nil, nil, err
	}
	acct, err := c.Account()
	if err != nil {
		return nil, nil, nil, err
	}
	statuses, err := c.Cache()
	if err != nil {
		return nil, nil, nil, err
	}

	conn := inet.NewConnection(c.ServerURL, acct.UserAgent)
	vehicles := session.NewSelection(c.VIN)
	s, err := session.New(session.Config{
		Transport:          conn,
		Tokens:             tokens,
		Vehicles:           vehicles,
		Cache:              statuses,
		Pins:               pins,
		Refresher:          acct,
		CommandTimeout:     c.CommandTimeout,
		ManualTokenRefresh: c.ManualTokenRefresh,
		Registerer:         reg,
	})
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return s, vehicles, acct, nil
}
