// Package redact scrubs credentials out of text before it is logged or
// persisted, and out of environments before they reach the sandbox.
package redact

import (
	"regexp"
	"strings"
)

var sensitivePatterns = []*regexp.Regexp{
	// AWS
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// GitHub
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),

	// LLM provider keys (oracle credentials)
	regexp.MustCompile(`sk-(proj-|ant-)?[A-Za-z0-9_-]{20,}`),

	// Generic API keys
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),

	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`),

	// Basic auth in URLs
	regexp.MustCompile(`https?://[^:/\s]+:[^@/\s]+@`),

	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),
	regexp.MustCompile(`[sr]k_live_[0-9a-zA-Z]{24}`),

	// PowerShell credential objects built from plaintext
	regexp.MustCompile(`(?i)ConvertTo-SecureString\s+(-String\s+)?['"][^'"]+['"]`),

	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),
}

const Placeholder = "[REDACTED]"

// sensitiveEnvNames are substrings of environment variable names that
// carry credentials.
var sensitiveEnvNames = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AZURE_CLIENT_SECRET",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GITHUB_PAT",
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"TRANSGUARD_ORACLE_KEY",
	"API_KEY",
	"SECRET",
	"TOKEN",
	"PASSWORD",
	"PASSWD",
	"CREDENTIAL",
	"DATABASE_URL",
	"REDIS_URL",
	"MONGO_URL",
	"SSH_AUTH_SOCK",
	"KUBECONFIG",
}

// Redact replaces every credential-looking substring with Placeholder.
func Redact(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, Placeholder)
	}
	return result
}

// IsSensitiveEnv reports whether an environment variable name looks like
// it carries a credential.
func IsSensitiveEnv(name string) bool {
	upper := strings.ToUpper(name)
	for _, sensitive := range sensitiveEnvNames {
		if strings.Contains(upper, sensitive) {
			return true
		}
	}
	return false
}

// RedactEnv masks the values of sensitive entries in a KEY=VALUE slice.
func RedactEnv(env []string) []string {
	result := make([]string, 0, len(env))
	for _, e := range env {
		name, _, ok := strings.Cut(e, "=")
		if ok && IsSensitiveEnv(name) {
			result = append(result, name+"="+Placeholder)
			continue
		}
		result = append(result, e)
	}
	return result
}

// StripEnv drops sensitive entries from a KEY=VALUE slice entirely.
func StripEnv(env []string) []string {
	result := make([]string, 0, len(env))
	for _, e := range env {
		name, _, _ := strings.Cut(e, "=")
		if IsSensitiveEnv(name) {
			continue
		}
		result = append(result, e)
	}
	return result
}
