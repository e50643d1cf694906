package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ===========================
// Configuration
// ===========================

const (
	MsgConfigFailedToLoad   = "Failed to load config: %v"
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"

	// Environment Variables
	EnvDiscordToken  = "DISCORD_TOKEN"
	EnvSilent        = "SILENT"
	EnvGuildID       = "GUILD_ID"
	EnvMaxQueueSize  = "MAX_QUEUE_SIZE"
	EnvRestrictMulti = "RESTRICT_MULTI_CHAT"
	EnvCacheDir      = "TRACK_CACHE_DIR"
)

const (
	DefaultMaxQueueSize = 10
	DefaultCacheDir     = ".tracks"
)

type Config struct {
	Token             string
	GuildID           string
	DatabasePath      string
	CacheDir          string
	MaxQueueSize      int
	RestrictMultiChat bool
	Silent            bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := filepath.Join(".", GetProjectName()+".db")

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	cacheDir := os.Getenv(EnvCacheDir)
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}

	cfg := &Config{
		Token:             token,
		GuildID:           os.Getenv(EnvGuildID),
		DatabasePath:      dbPath,
		CacheDir:          cacheDir,
		RestrictMultiChat: true,
		Silent:            silent,
	}

	cfg.MaxQueueSize, _ = strconv.Atoi(os.Getenv(EnvMaxQueueSize))
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if v := os.Getenv(EnvRestrictMulti); v != "" {
		restrict, err := strconv.ParseBool(v)
		if err == nil {
			cfg.RestrictMultiChat = restrict
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
