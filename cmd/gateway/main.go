package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alwitt/gateway/internal/apidef"
	"github.com/alwitt/gateway/internal/config"
	"github.com/alwitt/gateway/internal/gateway"
	"github.com/alwitt/gateway/internal/metrics"
	"github.com/alwitt/gateway/internal/permission"
	"github.com/alwitt/gateway/internal/token"
	"github.com/alwitt/gateway/internal/tunnel"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"file"`
	Kubeconfig string `validate:"omitempty,file"`
}

var cmdArgs cliArgs

var logTags log.Fields

// @title gateway
// @version v0.1.0
// @description API gateway: AuthN/AuthZ, route dispatch, and HTTP/WebSocket forwarding
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	logTags = log.Fields{"module": "main", "component": "main", "instance": hostname}

	config.InstallDefaultRuntimeConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "API gateway for AuthN / AuthZ and backend request dispatch",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "kubeconfig",
				Usage:       "Kubeconfig file (omit to use in-cluster config)",
				Aliases:     []string{"k"},
				EnvVars:     []string{"KUBECONFIG"},
				Destination: &cmdArgs.Kubeconfig,
				Required:    false,
			},
		},
		Action: mainApplication,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

func mainApplication(c *cli.Context) error {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	var appCfg config.RuntimeConfig
	viper.SetConfigFile(cmdArgs.ConfigFile)
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to read config file %s", cmdArgs.ConfigFile)
		return err
	}
	if err := viper.Unmarshal(&appCfg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to parse config file %s", cmdArgs.ConfigFile)
		return err
	}
	{
		t, _ := json.MarshalIndent(&appCfg, "", "  ")
		log.Debugf("Application Config\n%s", t)
	}
	if err := appCfg.Validate(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Application config %s is not valid", cmdArgs.ConfigFile)
		return err
	}

	tokenValidator, err := token.NewValidator(appCfg.AuthSources)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to build token validator")
		return err
	}

	permURIs := make([]string, len(appCfg.PermURIs))
	for i, u := range appCfg.PermURIs {
		permURIs[i] = u.URI
	}
	permCache := permission.NewCache(&permission.HTTPFetcher{Client: http.DefaultClient}, permURIs)
	if err := permCache.Refresh(context.Background()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Initial permission cache refresh failed")
		return err
	}
	go permCache.Start(
		context.Background(),
		time.Duration(appCfg.PermUpdateDelay)*time.Second,
		appCfg.MaxFetchErrorCount,
	)

	metricsRegistry := metrics.NewRegistry(appCfg.MetricsPrefix)
	wsTunnel := tunnel.NewTunnel(
		metricsRegistry, appCfg.WebSocket.WriteBufferSize, appCfg.WebSocket.WriteBufferSize,
		appCfg.WebSocket.MaxMessageSize,
	)

	registry := gateway.NewRegistry(tokenValidator, permCache, metricsRegistry, wsTunnel, http.DefaultClient)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	var source apidef.Source
	if appCfg.ApiDefinitionPath != "" {
		source = &apidef.FileSource{Path: appCfg.ApiDefinitionPath}
	} else {
		backend, err := buildK8sBackend(appCfg.CRDLabel, appCfg.CRDNamespaces, cmdArgs.Kubeconfig)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to build Kubernetes watch backend")
			return err
		}
		source = &apidef.OrchestratorSource{Backend: backend, RestartDelay: 5 * time.Second}
	}

	defs, srcErrs := source.Stream(ctxt)
	go func() {
		for {
			select {
			case def, ok := <-defs:
				if !ok {
					return
				}
				registry.Ingest(ctxt, def)
			case err, ok := <-srcErrs:
				if !ok {
					continue
				}
				log.WithError(err).WithFields(logTags).Warn("API definition source reported an error")
			case <-ctxt.Done():
				return
			}
		}
	}()

	router := mux.NewRouter()
	router.PathPrefix("/").Handler(registry)

	httpSrv := &http.Server{
		Addr:         appCfg.BindTo,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server failure")
		}
	}()

	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt)
	<-cc

	cancel()
	shutdownCtxt, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during HTTP Server shutdown")
	}

	return nil
}

func buildK8sBackend(label string, namespaces []string, kubeconfigPath string) (*k8sWatchBackend, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes client config: %w", err)
	}

	client, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build dynamic client: %w", err)
	}

	return newK8sWatchBackend(client, label, namespaces), nil
}
