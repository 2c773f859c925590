package provisioning

import (
	"bytes"
	"fmt"
	"text/template"
)

// userDataTemplate is the guest bootstrap script. Every interpolated
// value goes through shellQuote; xtrace is never enabled because
// REGISTRATION_TOKEN passes through this script in cleartext — spec.md
// §4.3.1 calls this out explicitly.
const userDataTemplate = `#!/usr/bin/env bash
set -euo pipefail

BOT_ID={{.BotID}}
REGISTRATION_TOKEN={{.RegistrationToken}}
CONTROL_PLANE_URL={{.ControlPlaneURL}}
BOT_CONFIG_JSON={{.BotConfigJSON}}
REPO_URL={{.RepoURL}}
REPO_REF={{.RepoRef}}
WORKSPACE_DIR={{.WorkspaceDir}}

install_dependencies() {
{{if .SkipDepsInstall}}    :
{{else}}    command -v curl >/dev/null 2>&1 || { apt-get update -y && apt-get install -y curl jq git; }
{{end}}}

clone_strategy_repo() {
{{if .SkipRepoClone}}    :
{{else}}    if [ -n "$REPO_URL" ]; then
        mkdir -p "$WORKSPACE_DIR"
        if [ ! -d "$WORKSPACE_DIR/.git" ]; then
            git clone --branch "$REPO_REF" --depth 1 "$REPO_URL" "$WORKSPACE_DIR"
        fi
    fi
{{end}}}

write_config() {
    mkdir -p /etc/fleet-agent
    printf '%s' "$BOT_CONFIG_JSON" > /etc/fleet-agent/config.json
    chmod 600 /etc/fleet-agent/config.json
}

register() {
    curl --connect-timeout 10 --max-time 30 -sf \
        -H "Authorization: Bearer ${REGISTRATION_TOKEN}" \
        -H "Content-Type: application/json" \
        -X POST -d "{\"bot_id\":\"${BOT_ID}\"}" \
        "${CONTROL_PLANE_URL}/bot/register"
}

current_version() {
    cat /etc/fleet-agent/version 2>/dev/null || echo 0
}

pull_config() {
    curl --connect-timeout 10 --max-time 30 -sf \
        -H "Authorization: Bearer ${REGISTRATION_TOKEN}" \
        "${CONTROL_PLANE_URL}/bot/${BOT_ID}/config"
}

ack_config() {
    local config_id="$1"
    curl --connect-timeout 10 --max-time 30 -sf \
        -H "Authorization: Bearer ${REGISTRATION_TOKEN}" \
        -H "Content-Type: application/json" \
        -X POST -d "{\"config_id\":\"${config_id}\"}" \
        "${CONTROL_PLANE_URL}/bot/${BOT_ID}/config_ack" || true
}

heartbeat() {
    curl --connect-timeout 5 --max-time 15 -sf \
        -H "Authorization: Bearer ${REGISTRATION_TOKEN}" \
        -X POST "${CONTROL_PLANE_URL}/bot/${BOT_ID}/heartbeat" || true
}

install_dependencies
clone_strategy_repo
write_config
register

last_heartbeat=0
last_pull=0
while true; do
    now=$(date +%s)
    if [ $((now - last_pull)) -ge 120 ]; then
        response=$(pull_config || true)
        last_pull=$now
        if [ -n "$response" ]; then
            remote_version=$(printf '%s' "$response" | jq -r '.version // empty')
            remote_config_id=$(printf '%s' "$response" | jq -r '.config_id // empty')
            local_version=$(current_version)
            if [ -n "$remote_version" ] && [ "$remote_version" != "$local_version" ]; then
                printf '%s' "$response" > /etc/fleet-agent/desired_config.json
                ack_config "$remote_config_id"
                printf '%s' "$remote_version" > /etc/fleet-agent/version
            fi
        fi
    fi
    if [ $((now - last_heartbeat)) -ge 30 ]; then
        heartbeat
        last_heartbeat=$now
    fi
    sleep 2
done
`

// userDataValues holds the already-shell-quoted interpolation values.
type userDataValues struct {
	BotID             string
	RegistrationToken string
	ControlPlaneURL   string
	BotConfigJSON     string
	RepoURL           string
	RepoRef           string
	WorkspaceDir      string
	SkipRepoClone     bool
	SkipDepsInstall   bool
}

// AssembleUserData renders the guest bootstrap script. botConfigJSON is
// the plaintext JSON payload the guest writes to disk on first boot;
// secrets are never embedded here — the guest fetches and decrypts them
// through the authenticated config-pull endpoint instead. customizer
// carries the operator-wide guest-customizer knobs of spec.md §6: which
// strategy repo to clone, at what ref, into what workspace, and whether
// to skip either step entirely.
func AssembleUserData(botID, registrationToken, controlPlaneURL string, botConfigJSON []byte, customizer GuestCustomizer) (string, error) {
	workspaceDir := customizer.WorkspaceDir
	if workspaceDir == "" {
		workspaceDir = "/opt/fleet-agent/strategy"
	}
	repoRef := customizer.RepoRef
	if repoRef == "" {
		repoRef = "main"
	}

	values := userDataValues{
		BotID:             shellQuote(botID),
		RegistrationToken: shellQuote(registrationToken),
		ControlPlaneURL:   shellQuote(controlPlaneURL),
		BotConfigJSON:     shellQuote(string(botConfigJSON)),
		RepoURL:           shellQuote(customizer.RepoURL),
		RepoRef:           shellQuote(repoRef),
		WorkspaceDir:      shellQuote(workspaceDir),
		SkipRepoClone:     customizer.SkipRepoClone,
		SkipDepsInstall:   customizer.SkipDepsInstall,
	}

	tmpl, err := template.New("userdata").Parse(userDataTemplate)
	if err != nil {
		return "", fmt.Errorf("assemble user-data: parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return "", fmt.Errorf("assemble user-data: execute template: %w", err)
	}
	return buf.String(), nil
}

// shellQuote wraps v in single quotes, escaping any embedded single
// quote as '\'' — the standard POSIX-shell-safe quoting idiom. Every
// interpolated value goes through this; spec.md §4.3.1 is explicit that
// no value may reach the script unquoted.
func shellQuote(v string) string {
	var b bytes.Buffer
	b.WriteByte('\'')
	for _, r := range v {
		if r == '\'' {
			b.WriteString(`'\''`)
		} else {
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
