package wsserver

import (
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config is the process wide server configuration. It is built once at
// start by layering DefaultConfig, a config file and command line flags
// and is then passed by value; nothing mutates it during a run.
type Config struct {
	// Name is shown in logs and in the Server response header.
	Name string `yaml:"name"`
	// Addr is the HOST:PORT to listen on.
	Addr string `yaml:"addr"`
	// Driver selects the transport, see transport.Drivers.
	Driver string `yaml:"driver"`
	// Daemon detaches the process from the terminal on start.
	Daemon bool `yaml:"daemon"`
	// WorkerNum is the number of workers running application events.
	WorkerNum int `yaml:"worker_num"`
	// PIDFile records the pid of the running server.
	PIDFile string `yaml:"pid_file"`

	LogLevel string `yaml:"log_level"`
	// LogFile is appended to; empty logs to stderr.
	LogFile string `yaml:"log_file"`

	// Timeout bounds every socket write.
	Timeout time.Duration `yaml:"timeout"`
	// HandshakeTimeout bounds the time from connect to a completed handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`
	// MaxHeaderSize caps the size of the upgrade request.
	MaxHeaderSize int `yaml:"max_header_size"`
	// MaxMessageSize caps the payload of a single inbound frame.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// FragmentSize is the largest single write to a socket; encoded
	// messages are written in chunks of this size.
	FragmentSize int `yaml:"fragment_size"`
	// MaxConnect caps live connections, zero means unlimited.
	MaxConnect int `yaml:"max_connect"`

	// MessageRate limits inbound messages per second per connection,
	// zero means unlimited. MessageBurst is the bucket size.
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`

	// AllowedOrigins lists the Origin hosts a Mux accepts, "*" allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Subprotocols are negotiated in server preference order.
	Subprotocols []string `yaml:"subprotocols"`
	// DataType is "json" or "text" and selects how replies are formatted.
	DataType string `yaml:"data_type"`

	// AdminAddr serves the status endpoint when set.
	AdminAddr string `yaml:"admin_addr"`

	StopTimeout      time.Duration `yaml:"stop_timeout"`
	StopPollInterval time.Duration `yaml:"stop_poll_interval"`
}

// Data types understood by FormatReply.
const (
	DataJSON = "json"
	DataText = "text"
)

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Name:             "wsserver",
		Addr:             "0.0.0.0:8080",
		Driver:           "net",
		WorkerNum:        2,
		PIDFile:          "ws_server.pid",
		LogLevel:         "info",
		Timeout:          2200 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   8192,
		WriteBufferSize:  2 << 20,
		MaxHeaderSize:    8192,
		MaxMessageSize:   1 << 20,
		FragmentSize:     1024,
		MaxConnect:       200,
		MessageBurst:     10,
		AllowedOrigins:   []string{"*"},
		DataType:         DataJSON,
		StopTimeout:      10 * time.Second,
		StopPollInterval: 300 * time.Millisecond,
	}
}

// LoadConfigFile layers the YAML file at path over base. Keys absent from
// the file keep their value from base.
func LoadConfigFile(path string, base Config) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return base, xerrors.Errorf("failed to read config file: %w", err)
	}

	cfg := base
	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return base, xerrors.Errorf("failed to parse config file %v: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if strings.TrimSpace(c.Addr) == "" {
		err = multierr.Append(err, xerrors.New("addr is empty"))
	}
	if c.WorkerNum <= 0 {
		err = multierr.Append(err, xerrors.Errorf("worker_num must be positive: %v", c.WorkerNum))
	}
	if _, lerr := ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.MaxHeaderSize <= 0 {
		err = multierr.Append(err, xerrors.Errorf("max_header_size must be positive: %v", c.MaxHeaderSize))
	}
	if c.MaxMessageSize <= 0 {
		err = multierr.Append(err, xerrors.Errorf("max_message_size must be positive: %v", c.MaxMessageSize))
	}
	if c.FragmentSize <= 0 {
		err = multierr.Append(err, xerrors.Errorf("fragment_size must be positive: %v", c.FragmentSize))
	}
	if c.MaxConnect < 0 {
		err = multierr.Append(err, xerrors.Errorf("max_connect must not be negative: %v", c.MaxConnect))
	}
	if c.MessageRate < 0 {
		err = multierr.Append(err, xerrors.Errorf("message_rate must not be negative: %v", c.MessageRate))
	}
	if c.DataType != DataJSON && c.DataType != DataText {
		err = multierr.Append(err, xerrors.Errorf("data_type must be %q or %q: %q", DataJSON, DataText, c.DataType))
	}
	if c.StopTimeout <= 0 || c.StopPollInterval <= 0 {
		err = multierr.Append(err, xerrors.Errorf("stop_timeout and stop_poll_interval must be positive: %v, %v", c.StopTimeout, c.StopPollInterval))
	}
	return err
}
