package config

import (
	"fmt"
	"os"

	"chat-loadtest/internal/model"

	"gopkg.in/yaml.v3"
)

// DefaultServerConfigPaths 按优先级排列的服务端配置位置
var DefaultServerConfigPaths = []string{
	"dist/configs/chatserver.yaml",
	"configs/chatserver.yaml",
}

type targetConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
}

// DiscoverTargetURL 从服务端配置文件推导 WebSocket 地址，
// 全部读取失败时返回 model.DefaultURL
func DiscoverTargetURL(paths ...string) string {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var config targetConfig
		if err := yaml.Unmarshal(data, &config); err != nil {
			continue
		}
		if config.Server.Port == 0 {
			continue
		}

		// 监听所有地址时从本机访问
		host := config.Server.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		return fmt.Sprintf("ws://%s:%d/connect", host, config.Server.Port)
	}

	return model.DefaultURL
}
