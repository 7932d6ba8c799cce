package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// manage server components.
type Config struct {
	// Hostname or IP address on which the servers will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Rcon struct {
		// Port on which the game server's remote console is listening.
		Port int `mapstructure:"port"`
		// Remote console password (rcon.password in server.properties).
		Password string `mapstructure:"password"`
		// Text the game server sends in reply to the out-of-range packet type
		// used to terminate command replies. Server version dependent.
		Terminator string `mapstructure:"terminator"`
	} `mapstructure:"rcon"`

	Web struct {
		// HTTP endpoint port for the management API.
		HTTPPort int `mapstructure:"http_port"`
	} `mapstructure:"web"`

	Game struct {
		// Full path to the game server's server.properties file.
		PropertiesFile string `mapstructure:"properties_file"`
		// Directory containing the live world data.
		WorldDir string `mapstructure:"world_dir"`
	} `mapstructure:"game"`

	Backup struct {
		// Directory into which world snapshots are copied.
		SnapshotDir string `mapstructure:"snapshot_dir"`
		// How often a snapshot is taken.
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"backup"`

	Database struct {
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres for the snapshot catalog.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log rcon packets at debug level.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "MANAGE"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		fmt.Println(configReadError(err, configPath))
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

// configReadError renders a config load failure, with a friendlier message
// for the common case of no config file in the search path.
func configReadError(err error, configPath string) string {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Sprintf("error reading config file: no config file in path %s", configPath)
	}
	return fmt.Sprintf("error reading config file: %v", err)
}

// RconAddress returns the address of the game server's remote console.
func (c *Config) RconAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Rcon.Port)
}

// WebAddress returns the address on which the management API listens.
func (c *Config) WebAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Web.HTTPPort)
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}
