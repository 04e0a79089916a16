package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go2airplay/go2airplay/pkg/shell"
	"github.com/go2airplay/go2airplay/pkg/yaml"
)

const DefaultConfig = "go2airplay.yaml"

var ConfigPath string

var configs [][]byte

// LoadConfig unmarshals all config sources into v, later sources win
func LoadConfig(v any) {
	for _, data := range configs {
		if err := yaml.Unmarshal(data, v); err != nil {
			Logger.Warn().Err(err).Msg("[app] read config")
		}
	}
}

// PatchConfig changes one key in the main config file
func PatchConfig(key string, value any, path ...string) error {
	if ConfigPath == "" {
		return errors.New("config file disabled")
	}

	// empty config is OK
	b, _ := os.ReadFile(ConfigPath)

	b, err := yaml.Patch(b, key, value, path...)
	if err != nil {
		return err
	}

	return os.WriteFile(ConfigPath, b, 0644)
}

type flagConfig []string

func (c *flagConfig) String() string {
	return strings.Join(*c, " ")
}

func (c *flagConfig) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func initConfig(confs []string) {
	configs = nil

	if confs == nil {
		confs = []string{DefaultConfig}
	}

	for _, conf := range confs {
		if conf == "" {
			continue
		}

		if conf[0] == '{' {
			// raw YAML or JSON
			configs = append(configs, []byte(conf))
			continue
		}

		if data := parseConfString(conf); data != nil {
			configs = append(configs, data)
			continue
		}

		// first file is the main one, PatchConfig writes there
		if ConfigPath == "" {
			ConfigPath = conf
		}

		data, err := os.ReadFile(conf)
		if err != nil {
			continue
		}

		configs = append(configs, []byte(shell.ReplaceEnvVars(string(data))))
	}

	if ConfigPath != "" {
		if abs, err := filepath.Abs(ConfigPath); err == nil {
			ConfigPath = abs
		}
		Info["config_path"] = ConfigPath
	}
}

// parseConfString: `airplay.pin=1234` => `{airplay: {pin: 1234}}`
func parseConfString(s string) []byte {
	keys, value, ok := strings.Cut(s, "=")
	if !ok {
		return nil
	}

	items := strings.Split(keys, ".")
	if len(items) < 2 {
		return nil
	}

	var pre, suf strings.Builder
	for _, item := range items {
		pre.WriteString("{" + item + ": ")
		suf.WriteString("}")
	}

	return []byte(pre.String() + value + suf.String())
}
