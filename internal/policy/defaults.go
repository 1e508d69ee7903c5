package policy

import (
	"github.com/gzhole/transguard/internal/model"
)

var (
	powershellOnly = []model.Dialect{model.DialectPowerShell}
	posixOnly      = []model.Dialect{model.DialectPOSIX}
)

// DefaultPolicy is used when no policy file exists.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: "1.0.0",
		Scoring: Scoring{
			Weights: map[string]float64{
				"info":     0,
				"low":      0.25,
				"medium":   1,
				"high":     2,
				"critical": 3,
			},
			Decay: 0.5,
			Thresholds: Thresholds{
				Medium:   1.0,
				High:     2.0,
				Critical: 3.5,
			},
		},
		Signatures: defaultSignatures(),
		Capabilities: Capabilities{
			Allowed: []Capability{CapFilesystem, CapProcess},
			Commands: map[Capability]StringOrList{
				CapExecSink: {
					"eval", "source", ".", "exec", "sh", "bash", "zsh", "dash", "ksh",
					"xargs", "env", "nohup", "timeout", "nice", "command", "builtin",
					"python", "python3", "perl", "ruby", "node", "pwsh", "powershell",
					"sudo", "su", "doas", "pkexec", "runuser", "crontab", "at",
				},
				CapFilesystem: {
					"ls", "cat", "cp", "mv", "rm", "rmdir", "mkdir", "touch", "chmod",
					"chown", "chgrp", "ln", "find", "stat", "du", "df", "head", "tail",
					"tee", "tar", "zip", "unzip", "gzip", "gunzip", "dd", "file",
					"readlink", "realpath", "wc", "truncate", "install", "md5sum",
					"sha256sum", "diff", "less", "more",
				},
				CapNetwork: {
					"curl", "wget", "nc", "ncat", "netcat", "socat", "ssh", "scp", "sftp",
					"rsync", "ftp", "telnet", "ping", "dig", "nslookup", "host", "git",
					"Invoke-WebRequest",
				},
				CapProcess: {
					"ps", "kill", "pkill", "pgrep", "top", "systemctl", "service",
					"uname", "hostname", "whoami", "id", "uptime", "sleep", "free",
					"printenv", "nproc", "lsof", "wait",
				},
				CapNone: {
					"echo", "printf", "true", "false", "test", "[", "[[", "read", "set",
					"unset", "export", "local", "declare", "readonly", "shift", "return",
					"exit", "cd", "pwd", "grep", "egrep", "fgrep", "sed", "awk", "sort",
					"uniq", "tr", "cut", "paste", "jq", "base64", "seq", "expr", "date",
					"basename", "dirname", "column", "fold", "rev", "tac", "nl", "getopts",
					"shopt", "trap", "type", "let", "mktemp", "yes", "comm", "join",
				},
			},
			QuerySinks: StringOrList{"awk", "jq", "sqlite3", "psql", "mysql", "mongosh", "mongo", "redis-cli"},
			Privileged: StringOrList{"sudo", "su", "doas", "pkexec", "runuser"},
			Mutating: StringOrList{
				"rm", "rmdir", "mv", "cp", "touch", "mkdir", "chmod", "chown", "chgrp",
				"ln", "tee", "dd", "truncate", "install", "tar", "unzip", "gzip", "gunzip",
			},
		},
		Workspace: Workspace{
			ReadOnly: []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc/os-release", "/proc/self", "/dev"},
			Writable: []string{"/dev/null", "/dev/stdout", "/dev/stderr"},
		},
		Compliance: Compliance{
			LayerWeights: map[model.Layer]float64{
				model.LayerRisk:       0.25,
				model.LayerShield:     1,
				model.LayerValidation: 1,
				model.LayerExecution:  1,
			},
			PassThreshold: 2.0,
		},
		Mitre: defaultMitre(),
	}
}

func defaultSignatures() []Signature {
	return []Signature{
		// PowerShell
		{ID: "ps-invoke-expression", Pattern: `\bInvoke-Expression\b`, Severity: model.SeverityCritical, Dialects: powershellOnly, CWE: "CWE-78",
			Description: "Executes a string as code"},
		{ID: "ps-iex", Pattern: `(^|[\s;|(&{])iex\b`, Severity: model.SeverityCritical, Dialects: powershellOnly, CWE: "CWE-78",
			Description: "Invoke-Expression alias"},
		{ID: "ps-invoke-mimikatz", Pattern: `\bInvoke-Mimikatz\b`, Severity: model.SeverityCritical, Dialects: powershellOnly,
			Description: "Credential dumping tool"},
		{ID: "ps-download-string", Pattern: `\bDownload(String|File|Data)\b`, Severity: model.SeverityHigh, Dialects: powershellOnly, CWE: "CWE-494",
			Description: "Downloads remote content for execution"},
		{ID: "ps-execution-policy-bypass", Pattern: `-(ExecutionPolicy|exec|ep)\s+Bypass\b`, Severity: model.SeverityHigh, Dialects: powershellOnly,
			Description: "Disables script execution policy"},
		{ID: "ps-start-process-runas", Pattern: `\bStart-Process\b.*-Verb\s+RunAs\b`, Severity: model.SeverityHigh, Dialects: powershellOnly,
			Description: "Requests elevated execution"},
		{ID: "ps-defender-disable", Pattern: `\bSet-MpPreference\b.*-Disable\w+`, Severity: model.SeverityHigh, Dialects: powershellOnly,
			Description: "Turns off Defender protections"},
		{ID: "ps-window-hidden", Pattern: `-(WindowStyle|w)\s+Hidden\b`, Severity: model.SeverityMedium, Dialects: powershellOnly,
			Description: "Hides the console window"},
		{ID: "ps-encoded-command", Pattern: `-(EncodedCommand|enc|ec|e)\s+[A-Za-z0-9+/=]{8,}`, Severity: model.SeverityMedium, Dialects: powershellOnly, CWE: "CWE-693",
			Description: "Runs a base64-encoded command"},
		{ID: "ps-webclient", Pattern: `New-Object\s+(System\.)?Net\.WebClient\b`, Severity: model.SeverityMedium, Dialects: powershellOnly,
			Description: "Creates a raw web client"},
		{ID: "ps-web-request", Pattern: `\b(Invoke-WebRequest|Invoke-RestMethod|iwr|irm)\b`, Severity: model.SeverityLow, Dialects: powershellOnly,
			Description: "Issues an HTTP request"},
		{ID: "ps-remove-recurse", Pattern: `\bRemove-Item\b.*-Recurse\b`, Severity: model.SeverityMedium, Dialects: powershellOnly,
			Description: "Recursive deletion"},
		{ID: "ps-get-process", Pattern: `\bGet-Process\b`, Severity: model.SeverityInfo, Dialects: powershellOnly,
			Description: "Lists processes"},
		{ID: "ps-get-service", Pattern: `\bGet-Service\b`, Severity: model.SeverityInfo, Dialects: powershellOnly,
			Description: "Lists services"},
		{ID: "ps-get-childitem", Pattern: `\bGet-ChildItem\b`, Severity: model.SeverityInfo, Dialects: powershellOnly,
			Description: "Lists directory contents"},
		{ID: "ps-get-content", Pattern: `\bGet-Content\b`, Severity: model.SeverityInfo, Dialects: powershellOnly,
			Description: "Reads a file"},

		// POSIX shell
		{ID: "sh-eval", Pattern: `(^|[\s;&|(])eval\s`, Severity: model.SeverityCritical, Dialects: posixOnly, CWE: "CWE-78",
			Description: "Executes a string as code"},
		{ID: "sh-curl-pipe-shell", Pattern: `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`, Severity: model.SeverityCritical, Dialects: posixOnly, CWE: "CWE-494",
			Description: "Pipes a download into a shell"},
		{ID: "sh-base64-exec", Pattern: `base64\s+(-d|--decode)\b[^|]*\|\s*(ba|z|da)?sh\b`, Severity: model.SeverityCritical, Dialects: posixOnly,
			Description: "Decodes and executes a payload"},
		{ID: "sh-dev-tcp", Pattern: `/dev/(tcp|udp)/`, Severity: model.SeverityCritical, Dialects: posixOnly,
			Description: "Raw socket redirection"},
		{ID: "sh-netcat-exec", Pattern: `\b(nc|ncat|netcat)\b.*\s-[ec]\s`, Severity: model.SeverityCritical, Dialects: posixOnly,
			Description: "Netcat with program execution"},
		{ID: "sh-rm-root", Pattern: `\brm\s+(-[A-Za-z-]+\s+)*/(\*|\s|$)`, Severity: model.SeverityCritical, Dialects: posixOnly,
			Description: "Removes the filesystem root"},
		{ID: "sh-chmod-world", Pattern: `\bchmod\s+(-R\s+)?0?777\b`, Severity: model.SeverityHigh, Dialects: posixOnly, CWE: "CWE-732",
			Description: "World-writable permissions"},
		{ID: "sh-sudo", Pattern: `(^|[\s;&|(])(sudo|doas|su)\s`, Severity: model.SeverityMedium, Dialects: posixOnly,
			Description: "Changes the effective user"},
		{ID: "sh-download", Pattern: `\b(curl|wget)\s`, Severity: model.SeverityLow, Dialects: posixOnly,
			Description: "Downloads remote content"},
	}
}

func defaultMitre() map[string]StringOrList {
	return map[string]StringOrList{
		"signature:ps-invoke-expression":       {"T1059.001"},
		"signature:ps-iex":                     {"T1059.001"},
		"signature:ps-invoke-mimikatz":         {"T1003.001", "T1059.001"},
		"signature:ps-download-string":         {"T1105", "T1059.001"},
		"signature:ps-execution-policy-bypass": {"T1059.001", "T1562.001"},
		"signature:ps-start-process-runas":     {"T1548.002"},
		"signature:ps-defender-disable":        {"T1562.001"},
		"signature:ps-window-hidden":           {"T1564.003"},
		"signature:ps-encoded-command":         {"T1027.010"},
		"signature:ps-webclient":               {"T1105"},
		"signature:ps-web-request":             {"T1071.001"},
		"signature:ps-remove-recurse":          {"T1485"},
		"signature:sh-eval":                    {"T1059.004"},
		"signature:sh-curl-pipe-shell":         {"T1105", "T1059.004"},
		"signature:sh-base64-exec":             {"T1140", "T1059.004"},
		"signature:sh-dev-tcp":                 {"T1095", "T1059.004"},
		"signature:sh-netcat-exec":             {"T1095", "T1059.004"},
		"signature:sh-rm-root":                 {"T1485"},
		"signature:sh-chmod-world":             {"T1222.002"},
		"signature:sh-sudo":                    {"T1548.003"},
		"signature:sh-download":                {"T1105"},

		"finding:dynamic-exec-sink":             {"T1059.004"},
		"finding:unparameterized-interpolation": {"T1059.004"},
		"finding:network-domain-not-allowed":    {"T1071.001"},
		"finding:privilege-escalation":          {"T1548.003"},
		"finding:path-outside-workspace":        {"T1083"},
		"finding:new-vulnerability-introduced":  {"T1059"},

		"anomaly:containment-violation":     {"T1611"},
		"anomaly:denied-operation":          {"T1611"},
		"anomaly:sandbox-timeout":           {"T1499"},
		"anomaly:sandbox-resource-exceeded": {"T1499"},
	}
}
