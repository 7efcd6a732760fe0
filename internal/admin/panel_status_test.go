package admin

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProbePanel(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	up := ProbePanel(context.Background(), srv.URL, time.Second)
	if !up.Online || !strings.Contains(up.String(), "online") {
		t.Errorf("running panel reported %+v", up)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	down := ProbePanel(context.Background(), "http://"+addr, time.Second)
	if down.Online || down.Err == nil || !strings.Contains(down.String(), "offline") {
		t.Errorf("closed port reported %+v", down)
	}

	if s := ProbePanel(context.Background(), "", time.Second); s.String() != "не настроена" {
		t.Errorf("empty url: %q", s.String())
	}
	if s := ProbePanel(context.Background(), "://bad", time.Second); s.Online || s.Err == nil {
		t.Errorf("invalid url: %+v", s)
	}
}
