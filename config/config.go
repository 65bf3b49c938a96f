// Package config loads and validates the gateway's startup configuration:
// telemetry, the calling AET and its listeners, and the set of backend AETs
// the DICOMweb surface can reach.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend selects the storage/transport implementation a configured AET is
// served by.
type Backend string

const (
	BackendDimse    Backend = "dimse"
	BackendS3       Backend = "s3"
	BackendDisabled Backend = "disabled"
)

// RetrieveMode selects how the move mediator correlates C-STORE
// sub-operations to an in-flight WADO-RS request for a given AET.
type RetrieveMode string

const (
	RetrieveModeConcurrent RetrieveMode = "concurrent"
	RetrieveModeSequential RetrieveMode = "sequential"
)

// Document is the fully loaded, validated configuration for one gateway
// process. It is immutable once returned from Load.
type Document struct {
	Telemetry Telemetry   `mapstructure:"telemetry"`
	Server    Server      `mapstructure:"server"`
	AETs      []AETConfig `mapstructure:"aets"`
}

// Telemetry configures process-wide logging.
type Telemetry struct {
	LogLevel      string `mapstructure:"log-level"`
	TraceEndpoint string `mapstructure:"trace-endpoint"`
	LogFile       string `mapstructure:"log-file"`
	LogMaxSizeMB  int    `mapstructure:"log-max-size-mb"`
	LogMaxBackups int    `mapstructure:"log-max-backups"`
	LogMaxAgeDays int    `mapstructure:"log-max-age-days"`
}

// Server configures the gateway's own AE identity and the listeners it
// exposes: one HTTP surface and one or more DIMSE store-SCP listeners.
type Server struct {
	AETitle string          `mapstructure:"aet"`
	HTTP    HTTPServer      `mapstructure:"http"`
	DIMSE   []DIMSEListener `mapstructure:"dimse"`
}

// HTTPServer configures the DICOMweb HTTP surface.
type HTTPServer struct {
	Interface         string `mapstructure:"interface"`
	Port              uint16 `mapstructure:"port"`
	MaxUploadSizeByte int64  `mapstructure:"max-upload-size"`
	RequestTimeoutMS  int    `mapstructure:"request-timeout"`
	GracefulShutdown  bool   `mapstructure:"graceful-shutdown"`
}

func (h HTTPServer) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutMS) * time.Millisecond
}

// DIMSEListener configures one store-SCP acceptor. NotifyAETitles restricts
// which calling AETs may associate; an empty list accepts any.
type DIMSEListener struct {
	AETitle          string   `mapstructure:"aet"`
	Interface        string   `mapstructure:"interface"`
	Port             uint16   `mapstructure:"port"`
	UncompressedOnly bool     `mapstructure:"uncompressed"`
	NotifyAETitles   []string `mapstructure:"notify-aets"`
}

func (d DIMSEListener) Address() string {
	return fmt.Sprintf("%s:%d", d.Interface, d.Port)
}

// AETConfig is one backend PACS the DICOMweb surface can reach.
type AETConfig struct {
	AETitle string  `mapstructure:"aet"`
	Host    string  `mapstructure:"host"`
	Port    uint16  `mapstructure:"port"`
	Backend Backend `mapstructure:"backend"`
	Pool    Pool    `mapstructure:"pool"`
	Qido    Qido    `mapstructure:"qido-rs"`
	Wado    Wado    `mapstructure:"wado-rs"`
	Stow    Stow    `mapstructure:"stow-rs"`
}

func (a AETConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type Pool struct {
	Size      int `mapstructure:"size"`
	TimeoutMS int `mapstructure:"timeout-ms"`
}

func (p Pool) Timeout() time.Duration { return time.Duration(p.TimeoutMS) * time.Millisecond }

type Qido struct {
	TimeoutMS int `mapstructure:"timeout-ms"`
}

func (q Qido) Timeout() time.Duration { return time.Duration(q.TimeoutMS) * time.Millisecond }

type Wado struct {
	TimeoutMS int          `mapstructure:"timeout-ms"`
	Mode      RetrieveMode `mapstructure:"mode"`
	Receivers []string     `mapstructure:"receivers"`
}

func (w Wado) Timeout() time.Duration { return time.Duration(w.TimeoutMS) * time.Millisecond }

type Stow struct {
	TimeoutMS int `mapstructure:"timeout-ms"`
}

func (s Stow) Timeout() time.Duration { return time.Duration(s.TimeoutMS) * time.Millisecond }

// Load reads the configuration document from path (defaulted to
// ./config.yaml when empty), applying defaults first and allowing
// environment variables prefixed GATEWAY_ to override any key (nested keys
// separated by underscore, e.g. GATEWAY_SERVER_HTTP_PORT). The result is
// validated before being returned.
func Load(path string) (*Document, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	doc.applyAETDefaults()

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// applyAETDefaults fills in the per-AET sub-object defaults viper cannot
// express for list elements (SetDefault only reaches scalar/top-level keys).
func (d *Document) applyAETDefaults() {
	for i := range d.AETs {
		aet := &d.AETs[i]
		if aet.Backend == "" {
			aet.Backend = BackendDimse
		}
		if aet.Pool.Size == 0 {
			aet.Pool.Size = 16
		}
		if aet.Pool.TimeoutMS == 0 {
			aet.Pool.TimeoutMS = 10_000
		}
		if aet.Qido.TimeoutMS == 0 {
			aet.Qido.TimeoutMS = 30_000
		}
		if aet.Wado.TimeoutMS == 0 {
			aet.Wado.TimeoutMS = 60_000
		}
		if aet.Wado.Mode == "" {
			aet.Wado.Mode = RetrieveModeConcurrent
		}
		if aet.Stow.TimeoutMS == 0 {
			aet.Stow.TimeoutMS = 30_000
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telemetry.log-level", "INFO")
	v.SetDefault("telemetry.log-max-size-mb", 100)
	v.SetDefault("telemetry.log-max-backups", 3)
	v.SetDefault("telemetry.log-max-age-days", 28)

	v.SetDefault("server.aet", "GATEWAY")
	v.SetDefault("server.http.interface", "0.0.0.0")
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.max-upload-size", 50_000_000)
	v.SetDefault("server.http.request-timeout", 60_000)
	v.SetDefault("server.http.graceful-shutdown", true)

	v.SetDefault("server.dimse", []map[string]any{
		{
			"aet":          "GATEWAY",
			"interface":    "0.0.0.0",
			"port":         7001,
			"uncompressed": true,
		},
	})
}
