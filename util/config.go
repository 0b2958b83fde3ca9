package util

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host              string
		HttpPort          int    `yaml:"httpPort"`
		SslDomain         string `yaml:"sslDomain"`
		AutoAcceptFollows bool   `yaml:"autoAcceptFollows"`
		DeliveryWorkers   int    `yaml:"deliveryWorkers"`
		DeliveryInterval  int    `yaml:"deliveryInterval"` // seconds between queue polls
		BootstrapUser     string `yaml:"bootstrapUser"` // account created on first start
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		slog.Info("config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				slog.Warn("could not write default config", "path", userConfigPath, "error", writeErr)
			} else {
				slog.Info("created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("MAMMUT_HOST")
	envHttpPort := os.Getenv("MAMMUT_HTTPPORT")
	envSslDomain := os.Getenv("MAMMUT_SSLDOMAIN")
	envAutoAccept := os.Getenv("MAMMUT_AUTOACCEPT_FOLLOWS")
	envWorkers := os.Getenv("MAMMUT_DELIVERY_WORKERS")
	envInterval := os.Getenv("MAMMUT_DELIVERY_INTERVAL")
	envBootstrapUser := os.Getenv("MAMMUT_BOOTSTRAP_USER")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envAutoAccept == "true" {
		c.Conf.AutoAcceptFollows = true
	} else if envAutoAccept == "false" {
		c.Conf.AutoAcceptFollows = false
	}

	if envWorkers != "" {
		v, err := strconv.Atoi(envWorkers)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.DeliveryWorkers = v
	}

	if envInterval != "" {
		v, err := strconv.Atoi(envInterval)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.DeliveryInterval = v
	}

	if envBootstrapUser != "" {
		c.Conf.BootstrapUser = envBootstrapUser
	}

	if c.Conf.DeliveryWorkers <= 0 {
		c.Conf.DeliveryWorkers = 1
	}

	if c.Conf.DeliveryInterval <= 0 {
		c.Conf.DeliveryInterval = 10
	}

	return c, nil
}
