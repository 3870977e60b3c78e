package upload

import (
	"fmt"

	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/config"
)

// hostedServiceTemplate is the well-known base-URL template for the hosted
// service, parameterized by customer name (spec §4.4 Server selection).
const hostedServiceTemplate = "https://%s.hub.gibraltarsoftware.com"

// resolveBaseURL implements spec §4.4's server-selection rule: a hosted
// customer name takes precedence over an explicit host/port/tls/base-path
// tuple.
func resolveBaseURL(cfg config.ServerConfig) (string, error) {
	if cfg.UseHostedService {
		if cfg.CustomerName == "" {
			return "", agenterrors.New(agenterrors.CodeConfiguration, "server.use_hosted_service requires server.customer_name")
		}
		return fmt.Sprintf(hostedServiceTemplate, cfg.CustomerName), nil
	}

	if cfg.Host == "" {
		return "", agenterrors.New(agenterrors.CodeConfiguration, "server.host is required when not using the hosted service")
	}
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	port := cfg.Port
	if port == 0 {
		if cfg.TLS {
			port = 443
		} else {
			port = 80
		}
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port)
	if cfg.BasePath != "" {
		base += "/" + trimSlashes(cfg.BasePath)
	}
	return base, nil
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
