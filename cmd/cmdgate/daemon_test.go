package main

import (
	"strings"
	"testing"
)

func TestRenderService_Systemd(t *testing.T) {
	unit := renderService(systemdTemplate, map[string]string{
		"EXEC":   "/usr/local/bin/cmdgate",
		"CONFIG": "/etc/cmdgate/config.json",
	})
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/cmdgate serve --config /etc/cmdgate/config.json") {
		t.Fatalf("unexpected unit:\n%s", unit)
	}
	if strings.Contains(unit, "{{") {
		t.Fatalf("unfilled placeholder in unit:\n%s", unit)
	}
}

func TestRenderService_Launchd(t *testing.T) {
	plist := renderService(launchdTemplate, map[string]string{
		"EXEC":    "/opt/cmdgate",
		"CONFIG":  "/tmp/c.json",
		"LABEL":   launchdLabel,
		"LOG":     "/tmp/out.log",
		"ERR_LOG": "/tmp/err.log",
	})
	for _, want := range []string{"<string>/opt/cmdgate</string>", "<string>serve</string>", "<string>" + launchdLabel + "</string>", "/tmp/err.log"} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q", want)
		}
	}
}

func TestRenderService_UnknownPlaceholderKept(t *testing.T) {
	if got := renderService("{{A}} {{B}}", map[string]string{"A": "x"}); got != "x {{B}}" {
		t.Fatalf("got %q", got)
	}
}

func TestServiceFor(t *testing.T) {
	linux, err := serviceFor("linux", "/home/op", "/usr/bin/cmdgate", "/home/op/.cmdgate/config.json")
	if err != nil {
		t.Fatal(err)
	}
	if linux.path != "/home/op/.config/systemd/user/cmdgate.service" {
		t.Fatalf("unexpected unit path %s", linux.path)
	}
	if !strings.Contains(linux.body, "--config /home/op/.cmdgate/config.json") {
		t.Fatalf("unit should pass the config path:\n%s", linux.body)
	}

	mac, err := serviceFor("darwin", "/Users/op", "/usr/local/bin/cmdgate", "/tmp/c.json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(mac.path, "Library/LaunchAgents/"+launchdLabel+".plist") || len(mac.hints) != 2 {
		t.Fatalf("unexpected launchd service %+v", mac)
	}

	if _, err := serviceFor("plan9", "/", "", ""); err == nil {
		t.Fatal("expected error for unsupported OS")
	}
}
