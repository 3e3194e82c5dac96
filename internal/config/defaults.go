package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"store.driver":          "local",
		"store.max_connections": 10,
		"store.local_path":      "/data/state",

		"lock.ttl": "2h",

		"jobs.retention":      "24h",
		"jobs.prune_interval": "1h",
		"jobs.work_dir":       "/data/work",
		"jobs.lease_ttl":      "30s",

		"upload.auto":           false,
		"upload.default_target": "telegram",
		"upload.mirror_path":    "",

		"packager.max_archive_size": "100MB",

		"fetcher.enabled":        true,
		"fetcher.binary":         "yt-dlp",
		"fetcher.default_format": "bestvideo+bestaudio/best",
		"fetcher.time_limit":     "10m",

		"feeds.poll_interval": "15m",
		"feeds.fetch_timeout": "30s",

		"status.interval": "60s",

		"backends.timeout":          "30s",
		"backends.poll_interval":    "10s",
		"backends.transfer_timeout": "2h",
		"backends.retry_max":        "1m",

		"realdebrid.base_url": "https://api.real-debrid.com/rest/1.0",

		"aria2.enabled":      true,
		"aria2.rpc_url":      "http://localhost:6800/jsonrpc",
		"aria2.rpc_secret":   "",
		"aria2.download_dir": "/data/seedbox",
		"aria2.managed":      false,
		"aria2.rpc_port":     "6800",
		"aria2.trackers":     true,

		"rclone.binary": "rclone",

		"telegram.api_endpoint": "https://api.telegram.org/bot%s/%s",

		"server.enabled":     true,
		"server.host":        "0.0.0.0",
		"server.port":        8080,
		"server.link_expiry": "1h",

		"auth.jwt_expiry": "720h",

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}
