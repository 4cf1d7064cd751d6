package agent

import (
	"strconv"
	"strings"
)

// Strategy knows how a variant family receives its configuration
type Strategy struct {
	// NeedsIdentifier makes the builder generate and persist an identifier
	// when the configuration has none.
	NeedsIdentifier bool

	// Render produces the config file content. Nil for flags-only variants.
	Render func(cfg Configuration) string

	// Args produces the command-line arguments following the executable.
	// configPath is empty when Render is nil.
	Args func(cfg Configuration, configPath string, mode PrivilegeMode) []string
}

var strategies = map[string]Strategy{
	NezhaID: {
		NeedsIdentifier: true,
		Render:          renderNezhaConfig,
		Args: func(_ Configuration, configPath string, _ PrivilegeMode) []string {
			return []string{"-c", configPath}
		},
	},
	KomariID: {
		Args: komariArgs,
	},
}

// Nezha report settings not exposed through Configuration
const (
	nezhaIPReportPeriod   = 1800
	nezhaReportDelay      = 3
	nezhaSelfUpdatePeriod = 0
)

// renderNezhaConfig writes the line-oriented key: value document nezha-agent reads.
// Keys are emitted in a fixed alphabetical order.
func renderNezhaConfig(cfg Configuration) string {
	var sb strings.Builder
	line := func(key, value string) {
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteByte('\n')
	}

	line("client_secret", quote(cfg.Secret))
	line("debug", "false")
	line("disable_auto_update", "true")
	line("disable_command_execute", strconv.FormatBool(!cfg.RemoteCommandExecutionEnabled))
	line("disable_force_update", "true")
	line("disable_nat", "false")
	line("disable_send_query", "false")
	line("gpu", "false")
	line("insecure_tls", "false")
	line("ip_report_period", strconv.Itoa(nezhaIPReportPeriod))
	line("report_delay", strconv.Itoa(nezhaReportDelay))
	line("self_update_period", strconv.Itoa(nezhaSelfUpdatePeriod))
	line("server", quote(cfg.Server))
	line("skip_connection_count", "false")
	line("skip_procs_count", "false")
	line("temperature", "false")
	line("tls", strconv.FormatBool(cfg.TLSEnabled))
	line("use_gitee_to_upgrade", "false")
	line("use_ipv6_country_code", "false")
	line("uuid", quote(cfg.Identifier))

	return sb.String()
}

// komariArgs assembles the komari-agent flags in a fixed order
func komariArgs(cfg Configuration, _ string, mode PrivilegeMode) []string {
	args := []string{
		"-e", cfg.Server,
		"-t", cfg.Secret,
	}
	if !cfg.TLSEnabled {
		args = append(args, "--ignore-unsafe-cert")
	}
	if !cfg.RemoteCommandExecutionEnabled {
		args = append(args, "--disable-web-ssh")
	}
	args = append(args,
		"--disable-auto-update",
		"--android",
		"--has-root", strconv.FormatBool(mode == Elevated),
	)
	return args
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func quote(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}
