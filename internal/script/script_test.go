package script

import (
	"strings"
	"testing"

	"github.com/telepy/telepy/pkg/types"
)

func testTunnel() *types.ReverseTunnel {
	return &types.ReverseTunnel{
		ID:               "t-1",
		HostFriendlyName: "lab-pi",
		ReversePort:      2345,
		SSHPort:          22,
	}
}

func testRenderer() *Renderer {
	return NewRenderer("example.com", 2222, "telepy")
}

func TestRenderAutoSSH(t *testing.T) {
	r := testRenderer()

	out, err := r.Render(VariantAutoSSH, testTunnel(), 22, Params{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out.Language != "bash" {
		t.Errorf("Expected language bash, got %s", out.Language)
	}
	for _, want := range []string{
		"autossh",
		"-M 6769",
		`-o "ServerAliveInterval 30"`,
		"-p 2222",
		"-NR '*:2345:localhost:22'",
		"telepy@example.com",
	} {
		if !strings.Contains(out.Script, want) {
			t.Errorf("Script missing %q:\n%s", want, out.Script)
		}
	}
}

func TestRenderAutoSSHWithKeyPath(t *testing.T) {
	r := testRenderer()

	out, err := r.Render(VariantAutoSSH, testTunnel(), 22, Params{KeyPath: "/home/pi/.ssh/id_ed25519"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out.Script, "-i /home/pi/.ssh/id_ed25519") {
		t.Errorf("Script missing identity flag:\n%s", out.Script)
	}
}

func TestRenderSSHOneShot(t *testing.T) {
	r := testRenderer()

	out, err := r.Render(VariantSSH, testTunnel(), 8022, Params{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(out.Script, "autossh") {
		t.Errorf("One-shot variant must not use autossh:\n%s", out.Script)
	}
	if !strings.Contains(out.Script, "-NR '*:2345:localhost:8022'") {
		t.Errorf("Script missing reverse forward:\n%s", out.Script)
	}
}

func TestRenderServiceRequiresUsername(t *testing.T) {
	r := testRenderer()

	out, err := r.Render(VariantService, testTunnel(), 22, Params{})
	if err != nil {
		t.Fatalf("Render without usernames must not fail: %v", err)
	}
	if !strings.Contains(out.Script, "Add a username") {
		t.Errorf("Expected placeholder script, got:\n%s", out.Script)
	}

	out, err = r.Render(VariantService, testTunnel(), 22, Params{Usernames: []string{"pi"}})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out.Script, "[Unit]") || !strings.Contains(out.Script, "User=pi") {
		t.Errorf("Expected systemd unit, got:\n%s", out.Script)
	}
	if out.Language != "ini" {
		t.Errorf("Expected language ini, got %s", out.Language)
	}
}

func TestRenderPowerShell(t *testing.T) {
	r := testRenderer()

	out, err := r.Render(VariantPowerShell, testTunnel(), 22, Params{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out.Language != "powershell" {
		t.Errorf("Expected language powershell, got %s", out.Language)
	}
	for _, want := range []string{
		"Prevent-Sleep -Enable $true",
		`-NR "*:2345:localhost:22"`,
		"telepy@example.com",
		"Start-Sleep -Seconds 5",
	} {
		if !strings.Contains(out.Script, want) {
			t.Errorf("Script missing %q", want)
		}
	}
	// Template braces must not leak into the PowerShell class body
	if strings.Contains(out.Script, "{{") {
		t.Errorf("Unrendered template markers in script:\n%s", out.Script)
	}
}

func TestRenderDockerVariants(t *testing.T) {
	r := testRenderer()

	run, err := r.Render(VariantDocker, testTunnel(), 22, Params{
		KeyPath:          "/etc/telepy/key",
		ServicePublicKey: "ssh-ed25519 AAAAC3Nza broker@telepy",
	})
	if err != nil {
		t.Fatalf("Render docker failed: %v", err)
	}
	if !strings.Contains(run.Script, "docker run -d") ||
		!strings.Contains(run.Script, "-v /etc/telepy/key:/root/.ssh/id_rsa:ro") {
		t.Errorf("Unexpected docker run script:\n%s", run.Script)
	}
	if !strings.Contains(run.Script, "ssh-ed25519 AAAAC3Nza") {
		t.Errorf("Docker script missing service public key:\n%s", run.Script)
	}

	compose, err := r.Render(VariantDockerCompose, testTunnel(), 22, Params{})
	if err != nil {
		t.Fatalf("Render docker-compose failed: %v", err)
	}
	if compose.Language != "yaml" {
		t.Errorf("Expected language yaml, got %s", compose.Language)
	}
	if !strings.Contains(compose.Script, "services:") || !strings.Contains(compose.Script, "restart: unless-stopped") {
		t.Errorf("Unexpected compose script:\n%s", compose.Script)
	}
}

func TestRenderConfig(t *testing.T) {
	r := testRenderer()

	out, err := r.Render(VariantConfig, testTunnel(), 22, Params{Usernames: []string{"pi", "admin"}})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for _, want := range []string{
		"Host telepy-ssh-server",
		"HostName example.com",
		"Port 2222",
		"Host lab-pi",
		"Port 2345",
		"User pi",
		"User admin",
		"ProxyCommand ssh -W %h:%p telepy-ssh-server",
	} {
		if !strings.Contains(out.Script, want) {
			t.Errorf("Config missing %q:\n%s", want, out.Script)
		}
	}

	empty, err := r.Render(VariantConfig, testTunnel(), 22, Params{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(empty.Script, "add a username") {
		t.Errorf("Expected username hint in config without usernames:\n%s", empty.Script)
	}
}

func TestRenderRejectsUnknownVariant(t *testing.T) {
	r := testRenderer()

	if _, err := r.Render(Variant("telnet"), testTunnel(), 22, Params{}); err == nil {
		t.Error("Expected error for unknown variant")
	}
}

func TestRenderRejectsBadPort(t *testing.T) {
	r := testRenderer()

	for _, port := range []int{0, -1, 70000} {
		if _, err := r.Render(VariantSSH, testTunnel(), port, Params{}); err == nil {
			t.Errorf("Expected error for ssh port %d", port)
		}
	}
}
