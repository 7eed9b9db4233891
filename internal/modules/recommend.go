package modules

import (
	"strings"
)

// recommendation pairs keywords found in vulnerability names or template ids
// with a remediation string. First match wins; order matters for overlapping
// keywords.
type recommendation struct {
	keywords   []string
	mitigation string
}

var recommendations = []recommendation{
	{[]string{"sqli", "sql-injection", "sql injection"},
		"Use parameterized queries or prepared statements; never concatenate user input into SQL."},
	{[]string{"xss", "cross-site scripting"},
		"Encode output contextually and set a restrictive Content-Security-Policy."},
	{[]string{"rce", "remote code execution", "command-injection", "command injection"},
		"Patch the affected component immediately and isolate the host until patched."},
	{[]string{"ssrf"},
		"Validate and allowlist outbound request destinations; block internal address ranges."},
	{[]string{"lfi", "path-traversal", "directory-traversal"},
		"Normalize and validate file paths server-side; serve files through an allowlist."},
	{[]string{"default-login", "default-password", "default credential", "weak-password"},
		"Change all default credentials and enforce a strong password policy."},
	{[]string{"exposed-panel", "admin-panel", "login-panel"},
		"Restrict administrative interfaces to trusted networks or put them behind SSO."},
	{[]string{"tls", "ssl", "certificate", "cipher"},
		"Update the TLS configuration: disable legacy protocols and weak cipher suites, renew expiring certificates."},
	{[]string{"secret", "api-key", "token-leak", "credential"},
		"Revoke the exposed secret, rotate affected credentials, and purge it from history."},
	{[]string{"typosquat", "typo_domain", "lookalike"},
		"Consider defensively registering the lookalike domain and monitor it for phishing activity."},
	{[]string{"subdomain-takeover", "takeover"},
		"Remove the dangling DNS record or reclaim the orphaned service it points at."},
	{[]string{"cve-"},
		"Apply the vendor patch for the referenced CVE or upgrade to a fixed version."},
	{[]string{"outdated", "eol", "end-of-life", "version"},
		"Upgrade the affected software to a currently supported release."},
}

const genericMitigation = "Review the finding and remediate according to your organization's vulnerability management policy."

// Recommend returns a mitigation string for a vulnerability name or template
// id by keyword match, with a generic fallback.
func Recommend(name string) string {
	lower := strings.ToLower(name)
	for _, rec := range recommendations {
		for _, kw := range rec.keywords {
			if strings.Contains(lower, kw) {
				return rec.mitigation
			}
		}
	}
	return genericMitigation
}
