package app

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/joho/godotenv"
)

var Version = "0.4.0"

var Info = map[string]any{
	"version": Version,
}

func Init() {
	var confs flagConfig
	var envs flagConfig
	var version bool

	flag.Var(&confs, "config", "config (path to file, raw YAML or key.sub=value), support multiple")
	flag.Var(&envs, "env", "path to .env file, support multiple")
	flag.BoolVar(&version, "version", false, "Print the version of the application and exit")
	flag.Parse()

	if version {
		fmt.Printf("go2airplay version %s%s %s/%s\n", Version, revision(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// .env before config, so config can use its variables
	envErr := loadEnv(envs)

	initConfig(confs)
	initLogger()

	if envErr != nil {
		Logger.Warn().Err(envErr).Msg("[app] load env")
	}

	platform := fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
	Logger.Info().Str("version", Version).Str("platform", platform).Msg("go2airplay")
	Logger.Debug().Str("version", runtime.Version()).Msg("build")

	if ConfigPath != "" {
		Logger.Info().Str("path", ConfigPath).Msg("config")
	}
}

// loadEnv - default .env is optional, explicit files are not
func loadEnv(files []string) error {
	if files == nil {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	return godotenv.Load(files...)
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) > 7 {
				return " (" + setting.Value[:7] + ")"
			}
			return " (" + setting.Value + ")"
		}
	}
	return ""
}
