package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LobbyDefinition はロビー定義ファイルの1エントリ。
type LobbyDefinition struct {
	Name          string        `yaml:"name"`
	StartTime     time.Time     `yaml:"start_time"`
	EndTime       time.Time     `yaml:"end_time"`
	OnlineTimeout time.Duration `yaml:"online_timeout"`
}

// LobbyFile はロビー定義ファイル全体。
type LobbyFile struct {
	Lobbies []LobbyDefinition `yaml:"lobbies"`
}

// LoadLobbyFile はYAML形式のロビー定義ファイルを読み込んで検証する。
// online_timeoutが省略された場合は60秒とする。
func LoadLobbyFile(path string) (*LobbyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lobby file: %w", err)
	}

	var file LobbyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse lobby file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Lobbies))
	for i := range file.Lobbies {
		def := &file.Lobbies[i]
		if def.Name == "" {
			return nil, fmt.Errorf("lobby #%d: name is required", i+1)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("lobby %q: duplicate name", def.Name)
		}
		seen[def.Name] = true
		if !def.StartTime.Before(def.EndTime) {
			return nil, fmt.Errorf("lobby %q: start_time must be before end_time", def.Name)
		}
		if def.OnlineTimeout == 0 {
			def.OnlineTimeout = 60 * time.Second
		}
		if def.OnlineTimeout < 0 {
			return nil, fmt.Errorf("lobby %q: online_timeout must be positive", def.Name)
		}
	}
	return &file, nil
}
