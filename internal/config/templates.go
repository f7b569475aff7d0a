package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders DefaultConfig in the on-disk shape Load accepts.
func Template() (string, error) {
	data, err := toml.Marshal(toFile(DefaultConfig()))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(data), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Config) fileConfig {
	var out fileConfig
	out.Link.Transport = cfg.Link.Transport
	out.Link.SocketPath = cfg.Link.SocketPath
	out.Link.ReadBuffer = cfg.Link.ReadBuffer
	out.Link.SPIFrameSize = cfg.Link.SPIFrameSize
	out.Link.SPIWait = cfg.Link.SPIWait.String()
	out.Link.QueueCapacity = cfg.Link.QueueCapacity
	out.Link.MaxPayload = cfg.Link.MaxPayload

	out.Fragment.Threshold = cfg.Fragment.Threshold
	out.Fragment.MaxChunkPayload = cfg.Fragment.MaxChunkPayload
	out.Fragment.MaxConcurrent = cfg.Fragment.MaxConcurrent
	out.Fragment.Timeout = cfg.Fragment.Timeout.String()

	out.Host.Name = cfg.Host.Name
	out.Host.PollInterval = cfg.Host.PollInterval.String()
	out.Host.StatusAddr = cfg.Host.StatusAddr
	out.Host.CorsOrigins = append([]string{}, cfg.Host.CorsOrigins...)

	out.Tap.NATSURL = cfg.Tap.URL
	out.Tap.SubjectPrefix = cfg.Tap.SubjectPrefix
	return out
}
