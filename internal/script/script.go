// Package script renders the connection scripts users run on tunneled
// hosts. Every variant is pure templating over a tunnel's port pair plus
// the broker's public endpoint; nothing here mutates state.
package script

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/telepy/telepy/pkg/types"
)

// Variant selects which script body to render
type Variant string

const (
	VariantAutoSSH       Variant = "autossh"
	VariantSSH           Variant = "ssh"
	VariantService       Variant = "service"
	VariantPowerShell    Variant = "powershell"
	VariantDocker        Variant = "docker"
	VariantDockerCompose Variant = "docker-compose"
	VariantConfig        Variant = "config"
)

// Valid reports whether v names a known variant
func (v Variant) Valid() bool {
	switch v {
	case VariantAutoSSH, VariantSSH, VariantService, VariantPowerShell,
		VariantDocker, VariantDockerCompose, VariantConfig:
		return true
	}
	return false
}

// Rendered is a script body plus the syntax-highlighting language hint
// the UI uses
type Rendered struct {
	Script   string `json:"script"`
	Language string `json:"language"`
}

// Params carries everything a template can reference
type Params struct {
	ServerDomain   string
	GatewaySSHPort int
	GatewayUser    string
	ReversePort    int
	SSHPort        int
	KeyPath        string
	// Usernames and HostFriendlyName feed the service and config variants
	HostFriendlyName string
	Usernames        []string
	// ServicePublicKey is the broker key embedded in container variants
	ServicePublicKey string
}

// Renderer holds the broker endpoint baked into every script
type Renderer struct {
	serverDomain   string
	gatewaySSHPort int
	gatewayUser    string
}

// NewRenderer creates a script renderer for the given broker endpoint
func NewRenderer(serverDomain string, gatewaySSHPort int, gatewayUser string) *Renderer {
	return &Renderer{
		serverDomain:   serverDomain,
		gatewaySSHPort: gatewaySSHPort,
		gatewayUser:    gatewayUser,
	}
}

// templateData is what the templates actually see
type templateData struct {
	Params
	KeyOption string
	KeyMount  string
}

var templates = map[Variant]*template.Template{
	VariantAutoSSH:       template.Must(template.New("autossh").Parse(autosshTemplate)),
	VariantSSH:           template.Must(template.New("ssh").Parse(sshTemplate)),
	VariantService:       template.Must(template.New("service").Parse(serviceTemplate)),
	VariantPowerShell:    template.Must(template.New("powershell").Parse(powershellTemplate)),
	VariantDocker:        template.Must(template.New("docker").Parse(dockerTemplate)),
	VariantDockerCompose: template.Must(template.New("docker-compose").Parse(dockerComposeTemplate)),
	VariantConfig:        template.Must(template.New("config").Parse(configTemplate)),
}

var languages = map[Variant]string{
	VariantAutoSSH:       "bash",
	VariantSSH:           "bash",
	VariantService:       "ini",
	VariantPowerShell:    "powershell",
	VariantDocker:        "bash",
	VariantDockerCompose: "yaml",
	VariantConfig:        "ssh-config",
}

// Render produces the script for a variant. The service variant needs at
// least one registered username; without one it returns a placeholder
// explaining the prerequisite instead of an error.
func (r *Renderer) Render(variant Variant, tunnel *types.ReverseTunnel, sshPort int, opts Params) (*Rendered, error) {
	if !variant.Valid() {
		return nil, types.NewValidationError("variant", fmt.Sprintf("unknown script variant %q", variant))
	}
	if sshPort <= 0 || sshPort > 65535 {
		return nil, types.NewValidationError("ssh_port", "ssh port must be between 1 and 65535")
	}

	if variant == VariantService && len(opts.Usernames) == 0 {
		return &Rendered{
			Script:   servicePlaceholder,
			Language: languages[variant],
		}, nil
	}

	data := templateData{
		Params: Params{
			ServerDomain:     r.serverDomain,
			GatewaySSHPort:   r.gatewaySSHPort,
			GatewayUser:      r.gatewayUser,
			ReversePort:      tunnel.ReversePort,
			SSHPort:          sshPort,
			KeyPath:          opts.KeyPath,
			HostFriendlyName: tunnel.HostFriendlyName,
			Usernames:        opts.Usernames,
			ServicePublicKey: opts.ServicePublicKey,
		},
	}
	if data.ServicePublicKey == "" {
		data.ServicePublicKey = "# service public key not found"
	}
	data.KeyOption, data.KeyMount = keyFlags(variant, opts.KeyPath)

	var b strings.Builder
	if err := templates[variant].Execute(&b, data); err != nil {
		return nil, fmt.Errorf("rendering %s script: %w", variant, err)
	}
	return &Rendered{Script: b.String(), Language: languages[variant]}, nil
}

// keyFlags builds the per-variant identity-file fragments; shell style
// differs between POSIX, PowerShell and container mounts
func keyFlags(variant Variant, keyPath string) (option, mount string) {
	if keyPath == "" {
		return "", ""
	}
	switch variant {
	case VariantPowerShell:
		return fmt.Sprintf("-i '%s' ", keyPath), ""
	case VariantDocker:
		return "  -i /root/.ssh/id_rsa", fmt.Sprintf("  -v %s:/root/.ssh/id_rsa:ro", keyPath)
	case VariantDockerCompose:
		return "-i /root/.ssh/id_rsa", keyPath
	default:
		return fmt.Sprintf("-i %s ", keyPath), ""
	}
}

const autosshTemplate = `autossh \
-M 6769 \
-o "ServerAliveInterval 30" \
-o "ServerAliveCountMax 3" \
-o "StrictHostKeyChecking=no" \
-o "UserKnownHostsFile=/dev/null" \
{{- if .KeyPath}}
-i {{.KeyPath}} \
{{- end}}
-p {{.GatewaySSHPort}} \
-NR '*:{{.ReversePort}}:localhost:{{.SSHPort}}' \
{{.GatewayUser}}@{{.ServerDomain}}`

const sshTemplate = `ssh \
-o "ServerAliveInterval 30" \
-o "ServerAliveCountMax 3" \
-o "StrictHostKeyChecking=no" \
-o "UserKnownHostsFile=/dev/null" \
{{- if .KeyPath}}
-i {{.KeyPath}} \
{{- end}}
-p {{.GatewaySSHPort}} \
-NR '*:{{.ReversePort}}:localhost:{{.SSHPort}}' \
{{.GatewayUser}}@{{.ServerDomain}}`

const serviceTemplate = `[Unit]
Description=Reverse SSH tunnel to {{.ServerDomain}} (port {{.ReversePort}})
After=network-online.target
Wants=network-online.target

[Service]
User={{index .Usernames 0}}
ExecStart=/usr/bin/autossh -M 0 -N -o "ServerAliveInterval 30" -o "ServerAliveCountMax 3" -o "StrictHostKeyChecking=no" -o "UserKnownHostsFile=/dev/null" -o "ExitOnForwardFailure=yes" {{.KeyOption}}-p {{.GatewaySSHPort}} -R '*:{{.ReversePort}}:localhost:{{.SSHPort}}' {{.GatewayUser}}@{{.ServerDomain}}
Restart=always
RestartSec=10

[Install]
WantedBy=multi-user.target`

const servicePlaceholder = `# ========================================
# Add a username to this tunnel first.
# The systemd unit runs as a registered remote user, so at least one
# username must exist before a unit file can be generated.
# ========================================`

const powershellTemplate = `$continue = $true
echo "[+] Script started"
# Add-Type for PowerManagement to prevent sleep
Add-Type -TypeDefinition @"
using System;
using System.Runtime.InteropServices;
public static class PowerManagement {
    [DllImport("kernel32.dll", CharSet = CharSet.Auto, SetLastError = true)]
    public static extern uint SetThreadExecutionState(uint esFlags);
    public const uint ES_CONTINUOUS = 0x80000000;
    public const uint ES_SYSTEM_REQUIRED = 0x00000001;
    public const uint ES_DISPLAY_REQUIRED = 0x00000002;
}
"@
# Function to write messages with timestamp
function Write-TimestampedMessage {
    param([string]$Message)
    $timestamp = Get-Date -Format "yyyy-MM-dd HH:mm:ss"
    echo "[$timestamp] $Message"
}
# Function to enable or disable sleep prevention
function Prevent-Sleep {
    param([bool]$Enable)
    if ($Enable) {
        [PowerManagement]::SetThreadExecutionState([PowerManagement]::ES_CONTINUOUS -bor [PowerManagement]::ES_SYSTEM_REQUIRED -bor [PowerManagement]::ES_DISPLAY_REQUIRED)
        Write-TimestampedMessage "Sleep prevention activated."
    } else {
        [PowerManagement]::SetThreadExecutionState([PowerManagement]::ES_CONTINUOUS)
        Write-TimestampedMessage "Sleep prevention deactivated."
    }
}
# Prevent sleep initially
Prevent-Sleep -Enable $true
try {
    while ($true) {
        Write-TimestampedMessage "Starting SSH Reverse Tunnel."
        # SSH command with proper options for keeping the connection alive
        $sshCommand = 'ssh -o "ServerAliveInterval 15" -o "ServerAliveCountMax 3" -o "StrictHostKeyChecking=false" {{.KeyOption}}-p {{.GatewaySSHPort}} -NR "*:{{.ReversePort}}:localhost:{{.SSHPort}}" {{.GatewayUser}}@{{.ServerDomain}}'
        # Execute SSH command and wait for its completion before restarting
        Invoke-Expression $sshCommand
        Write-TimestampedMessage "SSH command exited. Restarting in 5 seconds..."
        Start-Sleep -Seconds 5
    }
} finally {
    # Allow the system to sleep again when exiting the loop
    Prevent-Sleep -Enable $false
    Write-TimestampedMessage "Script exited, sleep prevention disabled."
}
Write-Host "Press any key to continue..."
$Host.UI.RawUI.ReadKey("NoEcho,IncludeKeyDown")`

const dockerTemplate = `docker run -d \
  --name telepy-tunnel-{{.ReversePort}} \
  --restart unless-stopped \
{{- if .KeyMount}}
{{.KeyMount}} \
{{- end}}
  -e TUNNEL_HOST={{.ServerDomain}} \
  -e TUNNEL_PORT={{.GatewaySSHPort}} \
  -e TUNNEL_USER={{.GatewayUser}} \
  -e REVERSE_PORT={{.ReversePort}} \
  -e LOCAL_PORT={{.SSHPort}} \
  jnovack/autossh:latest \
  autossh -M 0 -N \
  -o "ServerAliveInterval 30" \
  -o "ServerAliveCountMax 3" \
  -o "StrictHostKeyChecking=no" \
  -o "UserKnownHostsFile=/dev/null" \
{{- if .KeyOption}}
{{.KeyOption}} \
{{- end}}
  -p {{.GatewaySSHPort}} \
  -R '*:{{.ReversePort}}:localhost:{{.SSHPort}}' \
  {{.GatewayUser}}@{{.ServerDomain}}

# Broker public key to authorize on this host:
# {{.ServicePublicKey}}`

const dockerComposeTemplate = `services:
  telepy-tunnel:
    image: jnovack/autossh:latest
    container_name: telepy-tunnel-{{.ReversePort}}
    restart: unless-stopped
{{- if .KeyMount}}
    volumes:
      - {{.KeyMount}}:/root/.ssh/id_rsa:ro
{{- end}}
    environment:
      - TUNNEL_HOST={{.ServerDomain}}
      - TUNNEL_PORT={{.GatewaySSHPort}}
      - TUNNEL_USER={{.GatewayUser}}
      - REVERSE_PORT={{.ReversePort}}
      - LOCAL_PORT={{.SSHPort}}
    command: >
      autossh -M 0 -N
      -o "ServerAliveInterval 30"
      -o "ServerAliveCountMax 3"
      -o "StrictHostKeyChecking=no"
      -o "UserKnownHostsFile=/dev/null"
      {{- if .KeyOption}}
      {{.KeyOption}}
      {{- end}}
      -p {{.GatewaySSHPort}}
      -R '*:{{.ReversePort}}:localhost:{{.SSHPort}}'
      {{.GatewayUser}}@{{.ServerDomain}}

# Broker public key to authorize on this host:
# {{.ServicePublicKey}}`

const configTemplate = `Host telepy-ssh-server
    HostName {{.ServerDomain}}
    Port {{.GatewaySSHPort}}
    Compression yes
    User {{.GatewayUser}}
{{- if not .Usernames}}

# ========================================
# You need to add a username to this tunnel first.
# ========================================
{{- end}}
{{- range .Usernames}}

Host {{$.HostFriendlyName}}
    HostName localhost
    Port {{$.ReversePort}}
    Compression yes
    User {{.}}
    ProxyCommand ssh -W %h:%p telepy-ssh-server
{{- end}}`
