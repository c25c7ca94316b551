package main

import "github.com/urfave/cli/v2"

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagConfigPath = &cli.StringFlag{
	Name:     "config-path",
	Usage:    "persisted device config (wifi, broker, identity)",
	EnvVars:  []string{"CONFIG_PATH"},
	Value:    "/var/lib/valve-controller/device.json",
	Required: false,
}

var FlagSettingsPath = &cli.StringFlag{
	Name:     "settings-path",
	Usage:    "tuning settings yaml, defaults apply when missing",
	EnvVars:  []string{"SETTINGS_PATH"},
	Value:    "/etc/valve-controller/settings.yaml",
	Required: false,
}

var FlagDeviceID = &cli.StringFlag{
	Name:     "device-id",
	Usage:    "device id used when no config is persisted, defaults to valve-<hostname>",
	EnvVars:  []string{"DEVICE_ID"},
	Required: false,
}

var FlagWifiMode = &cli.StringFlag{
	Name:     "wifi-mode",
	Usage:    "one of: [nmcli, host]",
	EnvVars:  []string{"WIFI_MODE"},
	Value:    "nmcli",
	Required: false,
}

var FlagWifiInterface = &cli.StringFlag{
	Name:     "wifi-interface",
	EnvVars:  []string{"WIFI_INTERFACE"},
	Value:    "wlan0",
	Required: false,
}

var FlagModbusEndpoint = &cli.StringFlag{
	Name:     "modbus-endpoint",
	Usage:    "relay module host:port",
	EnvVars:  []string{"MODBUS_ENDPOINT"},
	Value:    "127.0.0.1:502",
	Required: false,
}

var FlagModbusUnitID = &cli.UintFlag{
	Name:     "modbus-unit-id",
	EnvVars:  []string{"MODBUS_UNIT_ID"},
	Value:    1,
	Required: false,
}

var FlagValveCoil = &cli.UintFlag{
	Name:     "valve-coil",
	Usage:    "coil address of the valve relay",
	EnvVars:  []string{"VALVE_COIL"},
	Value:    0,
	Required: false,
}

var FlagMQTTCAFile = &cli.StringFlag{
	Name:     "mqtt-ca-file",
	Usage:    "PEM bundle used to verify the broker when broker_tls is set",
	EnvVars:  []string{"MQTT_CA_FILE"},
	Required: false,
}

var FlagStagingDir = &cli.StringFlag{
	Name:     "staging-dir",
	EnvVars:  []string{"STAGING_DIR"},
	Value:    "/var/lib/valve-controller/staging",
	Required: false,
}

var FlagImagePath = &cli.StringFlag{
	Name:     "image-path",
	Usage:    "executable replaced by firmware updates, defaults to the running binary",
	EnvVars:  []string{"IMAGE_PATH"},
	Required: false,
}

var FlagRestartMode = &cli.StringFlag{
	Name:     "restart-mode",
	Usage:    "one of: [exit, exec]",
	EnvVars:  []string{"RESTART_MODE"},
	Value:    "exit",
	Required: false,
}

var FlagNTPServer = &cli.StringFlag{
	Name:     "ntp-server",
	Usage:    "empty disables clock sync",
	EnvVars:  []string{"NTP_SERVER"},
	Value:    "pool.ntp.org",
	Required: false,
}

var FlagClearToken = &cli.StringFlag{
	Name:     "clear-token",
	Usage:    "token required by the remote clear_emergency command, empty disables it",
	EnvVars:  []string{"CLEAR_TOKEN"},
	Required: false,
}
