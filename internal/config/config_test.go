package config

import (
	"math"
	"testing"

	"github.com/alwitt/gateway/internal/token"
	"github.com/stretchr/testify/assert"
)

func validConfig() RuntimeConfig {
	return RuntimeConfig{
		BindTo:            "0.0.0.0:8080",
		ApiDefinitionPath: "/tmp/apis.yaml",
		MetricsPrefix:     "dev",
		PermURIs:          []PermURI{{URI: "http://perm.local/list"}},
		PermUpdateDelay:   60,
		AuthSources: []token.SourceConfig{
			{Name: "main", TokenType: "access", Issuer: "issuer", Audience: "aud", PublicKey: "---"},
		},
		MaxFetchErrorCount: 5,
		WebSocket: WebSocketConfig{
			WriteBufferSize:    1024,
			MaxWriteBufferSize: 2048,
			MaxMessageSize:     4096,
			MaxFrameSize:       4096,
		},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := validConfig()
	assert.Nil(t, cfg.Validate())
}

func TestValidateRequiresOneApiDefinitionSource(t *testing.T) {
	cfg := validConfig()
	cfg.ApiDefinitionPath = ""
	cfg.CRDLabel = ""
	assert.NotNil(t, cfg.Validate())
}

func TestValidateAcceptsCRDLabelWithoutFilePath(t *testing.T) {
	cfg := validConfig()
	cfg.ApiDefinitionPath = ""
	cfg.CRDLabel = "gateway/target=dev"
	assert.Nil(t, cfg.Validate())
}

func TestWebSocketConfigClampsInvalidMaxWriteBufferSize(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.MaxWriteBufferSize = cfg.WebSocket.WriteBufferSize
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, math.MaxInt32, cfg.WebSocket.MaxWriteBufferSize)
}

func TestValidateRejectsMissingPermURIs(t *testing.T) {
	cfg := validConfig()
	cfg.PermURIs = nil
	assert.NotNil(t, cfg.Validate())
}

func TestValidateRejectsMissingAuthSources(t *testing.T) {
	cfg := validConfig()
	cfg.AuthSources = nil
	assert.NotNil(t, cfg.Validate())
}
