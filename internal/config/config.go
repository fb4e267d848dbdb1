package config

import (
	"fmt"
)

type Config struct {
	ServerAddr     string
	XMPPServer     string
	PushURL        string
	PushQueueSize  int
	ChatBufferSize int
	AllowedOrigins []string
}

func NewConfig(serverAddr, xmppServer, pushURL string, pushQueueSize, chatBufferSize int, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if xmppServer == "" {
		return nil, fmt.Errorf("xmpp server cannot be empty")
	}
	if pushQueueSize < 0 {
		return nil, fmt.Errorf("push queue size cannot be negative")
	}
	if chatBufferSize <= 0 {
		return nil, fmt.Errorf("chat buffer size must be positive")
	}

	return &Config{
		ServerAddr:     serverAddr,
		XMPPServer:     xmppServer,
		PushURL:        pushURL,
		PushQueueSize:  pushQueueSize,
		ChatBufferSize: chatBufferSize,
		AllowedOrigins: allowedOrigins,
	}, nil
}
