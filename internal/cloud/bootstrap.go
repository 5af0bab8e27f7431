package cloud

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// BootstrapOptions parameterises the hardening script.
type BootstrapOptions struct {
	AuthorizedKey string
	// OpenPorts are the only inbound TCP ports allowed. SSH (22) is always open.
	OpenPorts []int
	Packages  []string
}

var defaultPackages = []string{"openssh-server", "ufw", "fail2ban", "unattended-upgrades", "curl", "ca-certificates"}

var bootstrapTemplate = template.Must(template.New("bootstrap").Parse(`#!/bin/sh
set -eu

export DEBIAN_FRONTEND=noninteractive
if command -v apt-get >/dev/null 2>&1; then
	apt-get update -qq
	apt-get install -y -qq {{ .Packages }}
fi

install -d -m 0700 /root/.ssh
cat > /root/.ssh/authorized_keys <<'KEY'
{{ .AuthorizedKey }}
KEY
chmod 0600 /root/.ssh/authorized_keys

install -d /etc/ssh/sshd_config.d
cat > /etc/ssh/sshd_config.d/10-pulse-compute.conf <<'SSHD'
PasswordAuthentication no
KbdInteractiveAuthentication no
PermitRootLogin prohibit-password
PubkeyAuthentication yes
SSHD

if command -v ufw >/dev/null 2>&1; then
	ufw --force reset >/dev/null
	ufw default deny incoming
	ufw default allow outgoing
{{- range .Ports }}
	ufw allow {{ . }}/tcp
{{- end }}
	ufw --force enable || true
fi

if command -v systemctl >/dev/null 2>&1 && [ -d /run/systemd/system ]; then
	systemctl enable --now fail2ban || true
	systemctl restart ssh || systemctl restart sshd || true
	exit 0
fi

install -d -m 0755 /run/sshd
exec /usr/sbin/sshd -D -e
`))

// InboundPorts returns the TCP ports an instance accepts: SSH first, then
// each listed port once, in order.
func InboundPorts(open []int) ([]int, error) {
	ports := []int{22}
	seen := map[int]bool{22: true}
	for _, p := range open {
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %d", p)
		}
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	return ports, nil
}

// BootstrapScript renders the fixed hardening script: password login off,
// baseline tooling installed, and only the listed ports open.
func BootstrapScript(opts BootstrapOptions) (string, error) {
	key := strings.TrimSpace(opts.AuthorizedKey)
	if key == "" || strings.ContainsAny(key, "\r\n") {
		return "", fmt.Errorf("bootstrap: authorized key must be a single non-empty line")
	}
	ports, err := InboundPorts(opts.OpenPorts)
	if err != nil {
		return "", fmt.Errorf("bootstrap: %w", err)
	}
	packages := opts.Packages
	if len(packages) == 0 {
		packages = defaultPackages
	}
	for _, pkg := range packages {
		if strings.ContainsAny(pkg, " \t\r\n;&|$`'\"") {
			return "", fmt.Errorf("bootstrap: invalid package name %q", pkg)
		}
	}

	var buf bytes.Buffer
	err = bootstrapTemplate.Execute(&buf, struct {
		AuthorizedKey string
		Ports         []int
		Packages      string
	}{key, ports, strings.Join(packages, " ")})
	if err != nil {
		return "", fmt.Errorf("render bootstrap script: %w", err)
	}
	return buf.String(), nil
}
