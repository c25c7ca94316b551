package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"valve-controller/adapters"
	"valve-controller/application"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// Version is the running firmware version, set at build time.
var Version = "v0.1.0"

var Flags = []cli.Flag{
	FlagLogLevel,
	FlagLogWriter,
	FlagConfigPath,
	FlagSettingsPath,
	FlagDeviceID,
	FlagWifiMode,
	FlagWifiInterface,
	FlagModbusEndpoint,
	FlagModbusUnitID,
	FlagValveCoil,
	FlagMQTTCAFile,
	FlagStagingDir,
	FlagImagePath,
	FlagRestartMode,
	FlagNTPServer,
	FlagClearToken,
}

func main() {
	var logger zerolog.Logger

	app := cli.App{
		Name:    "valve-controller",
		Version: Version,
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			var logWriter io.Writer
			switch ctx.String(FlagLogWriter.Name) {
			case "console":
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			case "json":
				logWriter = os.Stderr
			default:
				return fmt.Errorf("invalid log writer %q", ctx.String(FlagLogWriter.Name))
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", "valve-controller").
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return err
			}

			zerolog.SetGlobalLevel(level)

			return nil
		},
		Action: func(ctx *cli.Context) error {
			logger.Info().Str("version", Version).Msg("service starting...")

			settings, err := adapters.LoadSettings(ctx.String(FlagSettingsPath.Name))
			if err != nil {
				return err
			}

			tlsConfig, err := loadTLSConfig(ctx.String(FlagMQTTCAFile.Name))
			if err != nil {
				return err
			}

			mqttClient := adapters.NewMQTTClient(adapters.MQTTClientParams{
				KeepAlive:      settings.Broker.KeepAlive,
				ConnectTimeout: settings.Broker.ConnectTimeout,
				WillQoS:        settings.Broker.QoS,
				TLSConfig:      tlsConfig,
				Log:            module(logger, "mqtt-client"),
			})

			wifi, err := adapters.NewWifiLink(adapters.WifiLinkParams{
				Mode:      ctx.String(FlagWifiMode.Name),
				Interface: ctx.String(FlagWifiInterface.Name),
				Log:       module(logger, "wifi"),
			})
			if err != nil {
				return err
			}

			modbusConn, err := adapters.NewModbusConn(adapters.ModbusParams{
				Endpoint: ctx.String(FlagModbusEndpoint.Name),
				UnitID:   byte(ctx.Uint(FlagModbusUnitID.Name)),
				Timeout:  settings.Safety.ActuationTimeout,
				Log:      module(logger, "modbus"),
			})
			if err != nil {
				return err
			}
			defer modbusConn.Close()

			valve := adapters.NewModbusValve(modbusConn, uint16(ctx.Uint(FlagValveCoil.Name)), module(logger, "valve"))

			var safetySources []application.SafetySource
			if input := settings.Safety.FaultInput; input != nil {
				safetySources = append(safetySources,
					adapters.NewModbusFaultInput(modbusConn, *input, settings.Safety.FaultPollInterval, module(logger, "fault-input")))
			}

			imagePath := ctx.String(FlagImagePath.Name)
			if imagePath == "" {
				if imagePath, err = os.Executable(); err != nil {
					return err
				}
			}
			installer, err := adapters.NewFileInstaller(adapters.FileInstallerParams{
				ImagePath:    imagePath,
				MaxImageSize: settings.Update.MaxUnpackedSize,
				Log:          module(logger, "installer"),
			})
			if err != nil {
				return err
			}

			restarter, err := adapters.NewProcessRestarter(adapters.ProcessRestarterParams{
				Mode:      ctx.String(FlagRestartMode.Name),
				ImagePath: imagePath,
				Log:       module(logger, "restarter"),
			})
			if err != nil {
				return err
			}

			stagingDir := ctx.String(FlagStagingDir.Name)
			if err := os.MkdirAll(stagingDir, 0o700); err != nil {
				return err
			}

			var timeSource application.TimeSource
			if server := ctx.String(FlagNTPServer.Name); server != "" {
				timeSource, err = adapters.NewNTPSource(adapters.NTPSourceParams{
					Server:  server,
					Timeout: settings.Clock.QueryTimeout,
				})
				if err != nil {
					return err
				}
			}
			clockSync := application.NewClockSync(application.ClockSyncParams{
				Source:       timeSource,
				SyncInterval: settings.Clock.SyncInterval,
				QueryTimeout: settings.Clock.QueryTimeout,
				Log:          module(logger, "clock"),
			})

			deviceService, err := application.NewDeviceService(application.DeviceServiceParams{
				MQTTClient:  mqttClient,
				Wifi:        wifi,
				Actuator:    valve,
				ConfigStore: adapters.NewFileConfigStore(ctx.String(FlagConfigPath.Name), module(logger, "config-store")),
				Fetcher: adapters.NewHTTPFetcher(adapters.HTTPFetcherParams{
					UserAgent: "valve-controller/" + Version,
					Log:       module(logger, "fetcher"),
				}),
				Installer:       installer,
				Restarter:       restarter,
				SafetySources:   safetySources,
				ClockSync:       clockSync,
				Settings:        settings,
				DefaultConfig:   application.DefaultDeviceConfig(defaultDeviceID(ctx.String(FlagDeviceID.Name))),
				StagingDir:      stagingDir,
				AppliedPath:     filepath.Join(filepath.Dir(stagingDir), "applied-update"),
				FirmwareVersion: Version,
				ClearToken:      ctx.String(FlagClearToken.Name),
				Log:             logger.With().Str("module", "device-service").Logger(),
			})
			if err != nil {
				return err
			}

			appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
			defer cancel()
			go func() {
				c := make(chan os.Signal, 1)
				signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

				for sig := range c {
					switch sig {
					case syscall.SIGUSR1:
						logger.Warn().Msg("emergency signal received")
						deviceService.SignalEmergency("local signal")
					case syscall.SIGUSR2:
						logger.Warn().Msg("emergency clear signal received")
						deviceService.SignalClear()
					default:
						logger.Warn().Msg("interrupt signal received")
						cancel()
						return
					}
				}
			}()

			logger.Info().Msg("service started")
			err = deviceService.Run(appCtx)
			if err != nil {
				return err
			}

			logger.Info().Msg("service terminating...")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(1)
	}
}

func module(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("module", name).Logger()
}

// defaultDeviceID derives valve-<hostname> unless an id was given.
func defaultDeviceID(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return application.DefaultDeviceID
	}
	host = strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '-'
		}
		return r
	}, strings.ToLower(host))
	return "valve-" + host
}

func loadTLSConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
