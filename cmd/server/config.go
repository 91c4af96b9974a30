package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

type StaticRule struct {
	Prefix string `json:"prefix"`
	Dir    string `json:"dir"`
}

type AppConfig struct {
	HotReload          bool         `json:"hot_reload"`
	RequestTimeoutMs   int          `json:"request_timeout_ms"`
	KeepAliveTimeoutMs int          `json:"keep_alive_timeout_ms"`
	Static             []StaticRule `json:"static"`
}

// defaultConfig returns sane defaults when pullserve_app.json
// is missing or invalid.
func defaultConfig() *AppConfig {
	return &AppConfig{
		HotReload:          false,
		RequestTimeoutMs:   30000, // 30s
		KeepAliveTimeoutMs: 60000, // 60s
		Static: []StaticRule{
			{Prefix: "/assets/", Dir: "public/assets"},
			{Prefix: "/static/", Dir: "public"},
		},
	}
}

// loadConfig tries to read pullserve_app.json from projectRoot;
// falls back to defaults on any error.
func loadConfig(projectRoot string) *AppConfig {
	cfgPath := filepath.Join(projectRoot, "pullserve_app.json")

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Printf("[config] no pullserve_app.json found at %s, using defaults: %v", cfgPath, err)
		return defaultConfig()
	}

	var cfg AppConfig
	if err := encoder.Unmarshal(data, &cfg); err != nil {
		log.Printf("[config] invalid pullserve_app.json (%s), using defaults: %v", cfgPath, err)
		return defaultConfig()
	}

	def := defaultConfig()

	if cfg.RequestTimeoutMs <= 0 {
		log.Printf("[config] request_timeout_ms=%d is invalid, falling back to %dms", cfg.RequestTimeoutMs, def.RequestTimeoutMs)
		cfg.RequestTimeoutMs = def.RequestTimeoutMs
	}

	if cfg.KeepAliveTimeoutMs <= 0 {
		log.Printf("[config] keep_alive_timeout_ms=%d is invalid, falling back to %dms", cfg.KeepAliveTimeoutMs, def.KeepAliveTimeoutMs)
		cfg.KeepAliveTimeoutMs = def.KeepAliveTimeoutMs
	}

	if len(cfg.Static) == 0 {
		log.Printf("[config] no static rules configured, using default static rules")
		cfg.Static = def.Static
	} else {
		for i, rule := range cfg.Static {
			if !strings.HasPrefix(rule.Prefix, "/") {
				log.Printf("[config] static[%d].prefix=%q does not start with '/', fixing", i, rule.Prefix)
				cfg.Static[i].Prefix = "/" + rule.Prefix
			}
			if rule.Dir == "" {
				log.Printf("[config] static[%d].dir is empty, this rule will be ignored at runtime.", i)
			}
		}
	}

	return &cfg
}
