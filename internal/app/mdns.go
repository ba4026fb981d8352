package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_telemetrybridge._tcp"
	mdnsDomain      = "local."
	mdnsLabelMax    = 63
)

// startMDNS advertises the HTTP query API on the local network.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "telemetry-bridge"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Telemetry Bridge (%s)", hostname))

	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		fmt.Sprintf("bus=%s", a.cfg.Bus),
		"api=/api/devices",
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// sanitizeMDNSInstance strips characters that break DNS-SD instance names and
// caps the result at one label.
func sanitizeMDNSInstance(name string) string {
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		cleaned = "Telemetry Bridge"
	}
	if runes := []rune(cleaned); len(runes) > mdnsLabelMax {
		cleaned = strings.TrimSpace(string(runes[:mdnsLabelMax]))
	}
	return cleaned
}
