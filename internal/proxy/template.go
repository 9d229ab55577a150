package proxy

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"
)

// TLSFiles locates the PEM files nginx terminates TLS with.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

// SiteConfig holds everything needed to render one nginx server block.
type SiteConfig struct {
	Domain      string
	TargetID    string
	ServerNames []string
	AppPort     int
	ContentRoot string
	ACMEWebroot string
	TLS         *TLSFiles
}

var siteTemplate = template.Must(template.New("site").Parse(`# managed by domain-engine: {{ .Domain }} -> {{ .TargetID }}
{{- if .TLS }}
server {
    listen 80;
    listen [::]:80;
    server_name {{ .ServerNameList }};
{{ template "acme" . }}
    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl;
    listen [::]:443 ssl;
    http2 on;
    server_name {{ .ServerNameList }};

    ssl_certificate {{ .TLS.CertFile }};
    ssl_certificate_key {{ .TLS.KeyFile }};
    ssl_protocols TLSv1.2 TLSv1.3;
    ssl_prefer_server_ciphers on;
{{ template "body" . }}}
{{- else }}
server {
    listen 80;
    listen [::]:80;
    server_name {{ .ServerNameList }};
{{ template "acme" . }}{{ template "body" . }}}
{{- end }}
{{ define "acme" }}{{ if .ACMEWebroot }}
    location ^~ /.well-known/acme-challenge/ {
        root {{ .ACMEWebroot }};
        default_type "text/plain";
    }
{{ end }}{{ end }}
{{- define "body" }}
    add_header X-Frame-Options "SAMEORIGIN" always;
    add_header X-Content-Type-Options "nosniff" always;
    add_header Referrer-Policy "strict-origin-when-cross-origin" always;
    add_header X-XSS-Protection "1; mode=block" always;

    location ~ /\. {
        deny all;
        access_log off;
        log_not_found off;
    }

    location ~* \.(bak|backup|old|orig|swp|tmp)$ {
        deny all;
        access_log off;
        log_not_found off;
    }

    location = /health {
        access_log off;
        default_type text/plain;
        return 200 "ok";
    }

    location /assets/ {
        alias {{ .AssetsDir }};
        expires 30d;
        add_header Cache-Control "public, immutable";
    }

    location / {
        proxy_pass http://127.0.0.1:{{ .AppPort }};
        proxy_http_version 1.1;
        proxy_set_header Host $host;
        proxy_set_header X-Forwarded-Host $host;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_read_timeout 60s;
    }
{{ end }}`))

type siteView struct {
	SiteConfig
	ServerNameList string
	AssetsDir      string
}

// RenderSiteConfig renders the nginx server block for a domain. Output is
// deterministic for equal input.
func RenderSiteConfig(cfg SiteConfig) (string, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return "", fmt.Errorf("domain is required")
	}
	if len(cfg.ServerNames) == 0 {
		return "", fmt.Errorf("at least one server name is required")
	}
	if cfg.AppPort <= 0 || cfg.AppPort > 65535 {
		return "", fmt.Errorf("invalid app port %d", cfg.AppPort)
	}
	if cfg.ContentRoot == "" {
		return "", fmt.Errorf("content root is required")
	}

	view := siteView{
		SiteConfig:     cfg,
		ServerNameList: strings.Join(cfg.ServerNames, " "),
		// alias needs the trailing slash to map /assets/x to <dir>/x.
		AssetsDir: path.Join(cfg.ContentRoot, cfg.TargetID, "assets") + "/",
	}

	var buf bytes.Buffer
	if err := siteTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("failed to render site config: %w", err)
	}

	return buf.String(), nil
}
