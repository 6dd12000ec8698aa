package config

import (
	"errors"
	"fmt"
	"strings"

	"chat-loadtest/internal/logger"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// load reads <name>.yaml from configs/ or the working directory, or file
// when set. A missing default file is not an error.
func load(v *viper.Viper, name, envPrefix, file string) error {
	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(name)
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn(logger.TagConfig, "Config file not found, using defaults or env vars: %v", err)
		return nil
	}
	logger.Info(logger.TagConfig, "Using config file %s", v.ConfigFileUsed())
	return nil
}

// bindFlags binds every flag except "config" to the key with dashes
// replaced by underscores, so --wait-min sets wait_min.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		key, ok := keys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

func configFile(flags *pflag.FlagSet) string {
	if flags == nil {
		return ""
	}
	file, _ := flags.GetString("config")
	return file
}
