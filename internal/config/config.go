// Package config defines the gateway's runtime configuration shape and its
// viper-backed default installer, in the idiom of common/config.go.
package config

import (
	"fmt"
	"math"

	"github.com/alwitt/gateway/internal/token"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// PermURI is one configured permission-service endpoint.
type PermURI struct {
	URI string `mapstructure:"uri" json:"uri" validate:"required,url"`
}

// WebSocketConfig mirrors runtime_config.rs's WebSocketConfigInternal.
type WebSocketConfig struct {
	WriteBufferSize      int  `mapstructure:"writeBufferSize" json:"writeBufferSize" validate:"gte=0"`
	MaxWriteBufferSize   int  `mapstructure:"maxWriteBufferSize" json:"maxWriteBufferSize" validate:"gte=0"`
	MaxMessageSize       int  `mapstructure:"maxMessageSize" json:"maxMessageSize" validate:"gte=0"`
	MaxFrameSize         int  `mapstructure:"maxFrameSize" json:"maxFrameSize" validate:"gte=0"`
	AcceptUnmaskedFrames bool `mapstructure:"acceptUnmaskedFrames" json:"acceptUnmaskedFrames"`
}

// normalize reproduces runtime_config.rs's auto-correction: a
// max_write_buffer_size that isn't strictly greater than write_buffer_size
// is clamped to "effectively unlimited" and logged as an error, rather than
// failing config validation outright (see DESIGN.md Open Question 1).
func (w *WebSocketConfig) normalize() {
	if w.MaxWriteBufferSize <= w.WriteBufferSize {
		log.WithFields(log.Fields{"module": "config"}).Error(
			"Invalid configuration value for `maxWriteBufferSize` which should be at least " +
				"`writeBufferSize` + 1. Its value is ignored.",
		)
		w.MaxWriteBufferSize = math.MaxInt32
	}
}

// RuntimeConfig is the top-level application config, loaded from the YAML
// file given on the CLI per spec.md §6.
type RuntimeConfig struct {
	BindTo            string               `mapstructure:"bindTo" json:"bindTo" validate:"required"`
	CRDLabel          string               `mapstructure:"crdLabel" json:"crdLabel"`
	CRDNamespaces     []string             `mapstructure:"crdsNamespaces" json:"crdsNamespaces"`
	ApiDefinitionPath string               `mapstructure:"apiDefinitionPath" json:"apiDefinitionPath"`
	MetricsPrefix     string               `mapstructure:"metricsPrefix" json:"metricsPrefix" validate:"required"`
	PermURIs          []PermURI            `mapstructure:"permUris" json:"permUris" validate:"required,min=1,dive"`
	PermUpdateDelay   int64                `mapstructure:"permUpdateDelay" json:"permUpdateDelay" validate:"gte=1"`
	AuthSources       []token.SourceConfig `mapstructure:"authSources" json:"authSources" validate:"required,min=1,dive"`
	MaxFetchErrorCount int                 `mapstructure:"maxFetchErrorCount" json:"maxFetchErrorCount" validate:"gte=1"`
	WebSocket         WebSocketConfig      `mapstructure:"websocketConfig" json:"websocketConfig" validate:"required"`
}

/*
Validate normalizes and checks the decoded config, in the teacher's
"decode then appCfg.Validate()" idiom (main.go).
*/
func (c *RuntimeConfig) Validate() error {
	c.WebSocket.normalize()
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("runtime config is not valid: %w", err)
	}
	if len(c.CRDLabel) == 0 && c.ApiDefinitionPath == "" {
		return fmt.Errorf("one of crdLabel or apiDefinitionPath must be configured")
	}
	return nil
}

// InstallDefaultRuntimeConfigValues installs default config parameters in
// viper, mirroring common/config.go's InstallDefaultAuthorizationServerConfigValues.
func InstallDefaultRuntimeConfigValues() {
	viper.SetDefault("bindTo", "0.0.0.0:8080")
	viper.SetDefault("metricsPrefix", "default")
	viper.SetDefault("permUpdateDelay", 60)
	viper.SetDefault("maxFetchErrorCount", 5)
	viper.SetDefault("websocketConfig.writeBufferSize", 128*1024)
	viper.SetDefault("websocketConfig.maxWriteBufferSize", 0)
	viper.SetDefault("websocketConfig.maxMessageSize", 64*1024*1024)
	viper.SetDefault("websocketConfig.maxFrameSize", 16*1024*1024)
	viper.SetDefault("websocketConfig.acceptUnmaskedFrames", false)
}
