package proxy

import (
	"strings"
	"testing"
)

func TestRenderSiteConfigApex(t *testing.T) {
	t.Parallel()

	out, err := RenderSiteConfig(SiteConfig{
		Domain:      "example.com",
		TargetID:    "site-1",
		ServerNames: []string{"example.com", "www.example.com"},
		AppPort:     3000,
		ContentRoot: "/srv/content",
	})
	if err != nil {
		t.Fatalf("RenderSiteConfig() error = %v", err)
	}

	mustContain(t, out,
		"server_name example.com www.example.com;",
		"proxy_pass http://127.0.0.1:3000;",
		"proxy_set_header X-Forwarded-Host $host;",
		"proxy_set_header X-Forwarded-Proto $scheme;",
		"alias /srv/content/site-1/assets/;",
		"location = /health {",
		`add_header X-Frame-Options "SAMEORIGIN" always;`,
		`add_header X-Content-Type-Options "nosniff" always;`,
		"location ~ /\\. {",
		"location ~* \\.(bak|backup|old|orig|swp|tmp)$ {",
	)
	mustNotContain(t, out, "listen 443", "acme-challenge")
}

func TestRenderSiteConfigSubdomain(t *testing.T) {
	t.Parallel()

	out, err := RenderSiteConfig(SiteConfig{
		Domain:      "shop.example.com",
		TargetID:    "site-2",
		ServerNames: []string{"shop.example.com"},
		AppPort:     8080,
		ContentRoot: "/srv/content/",
	})
	if err != nil {
		t.Fatalf("RenderSiteConfig() error = %v", err)
	}

	mustContain(t, out, "server_name shop.example.com;", "alias /srv/content/site-2/assets/;")
	mustNotContain(t, out, "www.shop.example.com")
}

func TestRenderSiteConfigTLSAndChallenge(t *testing.T) {
	t.Parallel()

	out, err := RenderSiteConfig(SiteConfig{
		Domain:      "example.com",
		TargetID:    "site-1",
		ServerNames: []string{"example.com", "www.example.com"},
		AppPort:     3000,
		ContentRoot: "/srv/content",
		ACMEWebroot: "/var/www/acme",
		TLS: &TLSFiles{
			CertFile: "/etc/domain-engine/certs/example.com/fullchain.pem",
			KeyFile:  "/etc/domain-engine/certs/example.com/privkey.pem",
		},
	})
	if err != nil {
		t.Fatalf("RenderSiteConfig() error = %v", err)
	}

	mustContain(t, out,
		"listen 443 ssl;",
		"ssl_certificate /etc/domain-engine/certs/example.com/fullchain.pem;",
		"ssl_certificate_key /etc/domain-engine/certs/example.com/privkey.pem;",
		"return 301 https://$host$request_uri;",
		"location ^~ /.well-known/acme-challenge/ {",
		"root /var/www/acme;",
	)
	if strings.Count(out, "server {") != 2 {
		t.Fatalf("expected a redirect block and a TLS block:\n%s", out)
	}
	if strings.Count(out, "proxy_pass") != 1 {
		t.Fatalf("expected exactly one proxy_pass:\n%s", out)
	}
}

func TestRenderSiteConfigDeterministic(t *testing.T) {
	t.Parallel()

	cfg := SiteConfig{
		Domain:      "example.com",
		TargetID:    "site-1",
		ServerNames: []string{"example.com", "www.example.com"},
		AppPort:     3000,
		ContentRoot: "/srv/content",
	}

	first, err := RenderSiteConfig(cfg)
	if err != nil {
		t.Fatalf("RenderSiteConfig() error = %v", err)
	}
	second, err := RenderSiteConfig(cfg)
	if err != nil {
		t.Fatalf("RenderSiteConfig() error = %v", err)
	}
	if first != second {
		t.Fatal("rendering is not deterministic")
	}
}

func TestRenderSiteConfigValidation(t *testing.T) {
	t.Parallel()

	base := SiteConfig{
		Domain:      "example.com",
		TargetID:    "site-1",
		ServerNames: []string{"example.com"},
		AppPort:     3000,
		ContentRoot: "/srv/content",
	}

	tests := []struct {
		name   string
		mutate func(*SiteConfig)
	}{
		{name: "missing domain", mutate: func(c *SiteConfig) { c.Domain = "" }},
		{name: "missing server names", mutate: func(c *SiteConfig) { c.ServerNames = nil }},
		{name: "zero port", mutate: func(c *SiteConfig) { c.AppPort = 0 }},
		{name: "port out of range", mutate: func(c *SiteConfig) { c.AppPort = 70000 }},
		{name: "missing content root", mutate: func(c *SiteConfig) { c.ContentRoot = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			tt.mutate(&cfg)
			if _, err := RenderSiteConfig(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func mustContain(t *testing.T, out string, wants ...string) {
	t.Helper()
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, out)
		}
	}
}

func mustNotContain(t *testing.T, out string, unwanted ...string) {
	t.Helper()
	for _, u := range unwanted {
		if strings.Contains(out, u) {
			t.Fatalf("rendered config unexpectedly contains %q:\n%s", u, out)
		}
	}
}
