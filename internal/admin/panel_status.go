package admin

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

const probeTimeout = 2 * time.Second

// PanelStatus результат проверки доступности панели по TCP
type PanelStatus struct {
	Addr    string
	Online  bool
	Latency time.Duration
	Err     error
}

func (s PanelStatus) String() string {
	switch {
	case s.Addr == "":
		return "не настроена"
	case s.Online:
		return fmt.Sprintf("✅ online (%s, %d мс)", s.Addr, s.Latency.Milliseconds())
	default:
		return fmt.Sprintf("❌ offline (%s)", s.Addr)
	}
}

// ProbePanel открывает TCP-соединение с хостом панели
func ProbePanel(ctx context.Context, baseURL string, timeout time.Duration) PanelStatus {
	if baseURL == "" {
		return PanelStatus{}
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return PanelStatus{Addr: baseURL, Err: fmt.Errorf("invalid panel url %q", baseURL)}
	}
	addr := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return PanelStatus{Addr: addr, Err: err}
	}
	conn.Close()
	return PanelStatus{Addr: addr, Online: true, Latency: time.Since(start)}
}
