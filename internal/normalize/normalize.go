// Package normalize extracts filesystem paths and network hosts from
// command arguments so they can be checked against the workspace and
// network allowlists.
package normalize

import (
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Arguments is the normalized view of one call's arguments.
type Arguments struct {
	Executable string
	Args       []string
	Cwd        string
	Paths      []string
	Domains    []string
	// BadDomains holds hosts that failed IDNA validation.
	BadDomains []string
}

var (
	urlRegex    = regexp.MustCompile(`(?i)\b(?:https?|ftp|wss?)://[^\s'"]+`)
	scpLikeHost = regexp.MustCompile(`^(?:[A-Za-z0-9._-]+@)?([A-Za-z0-9\p{L}.-]+\.[A-Za-z\p{L}]{2,}):`)
)

// Normalize resolves path-like arguments against cwd and home and
// collects the hosts named by URLs or scp-style targets.
func Normalize(args []string, cwd, home string) Arguments {
	if len(args) == 0 {
		return Arguments{Cwd: cwd}
	}

	na := Arguments{
		Executable: filepath.Base(args[0]),
		Args:       args,
		Cwd:        cwd,
	}

	var hosts []string
	for _, arg := range args[1:] {
		if LooksLikePath(arg) {
			na.Paths = append(na.Paths, ExpandPath(arg, cwd, home))
		}
		hosts = append(hosts, ExtractHosts(arg)...)
	}

	for _, h := range uniqueStrings(hosts) {
		d, err := Domain(h)
		if err != nil {
			na.BadDomains = append(na.BadDomains, h)
			continue
		}
		na.Domains = append(na.Domains, d)
	}
	na.Domains = uniqueStrings(na.Domains)
	return na
}

// LooksLikePath reports whether a literal argument names a file.
func LooksLikePath(arg string) bool {
	if arg == "" || strings.HasPrefix(arg, "-") {
		return false
	}
	if urlRegex.MatchString(arg) {
		return false
	}
	return strings.HasPrefix(arg, "/") ||
		strings.HasPrefix(arg, "./") ||
		strings.HasPrefix(arg, "../") ||
		strings.HasPrefix(arg, "~/") ||
		strings.Contains(arg, "/")
}

// ExpandPath makes path absolute and clean.
func ExpandPath(path, cwd, home string) string {
	if (path == "~" || strings.HasPrefix(path, "~/")) && home != "" {
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	return filepath.Clean(path)
}

// Within reports whether path is root or lies beneath it.
func Within(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// ExtractHosts returns the raw hosts referenced by URLs or by
// user@host:path style targets in s.
func ExtractHosts(s string) []string {
	var hosts []string
	for _, raw := range urlRegex.FindAllString(s, -1) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	if len(hosts) == 0 {
		if m := scpLikeHost.FindStringSubmatch(s); m != nil {
			hosts = append(hosts, m[1])
		}
	}
	return hosts
}

// Domain converts a host to its canonical ASCII form: lower case, no
// port, no trailing dot, IDNA labels punycode-encoded. Look-alike
// Unicode hosts therefore never compare equal to their ASCII targets.
func Domain(host string) (string, error) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// DomainAllowed matches a canonical domain against allowlist entries.
// An entry "*.example.com" matches subdomains but not the apex.
func DomainAllowed(domain string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasPrefix(a, "*.") {
			if strings.HasSuffix(domain, a[1:]) {
				return true
			}
			continue
		}
		if domain == a {
			return true
		}
	}
	return false
}

func uniqueStrings(input []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(input))
	for _, s := range input {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}
