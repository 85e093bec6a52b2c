package domainutil

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

const maxDomainLength = 253

// Normalize 对证书域名进行规范化处理
// 规则：
//   - 小写、trim 空格、去掉末尾 .
//   - 拒绝端口、IP、空字符串、非法字符
//   - 通配符只允许出现在最左侧标签（*.example.com）
func Normalize(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("domain must not be empty")
	}

	host = strings.ToLower(host)
	host = strings.TrimSuffix(host, ".")

	if strings.Contains(host, ":") {
		if _, _, err := net.SplitHostPort(host); err == nil {
			return "", fmt.Errorf("domain must not carry a port: %s", host)
		}
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "", fmt.Errorf("IP address is not allowed as domain: %s", host)
	}
	if len(host) > maxDomainLength {
		return "", fmt.Errorf("domain exceeds %d characters", maxDomainLength)
	}
	if !strings.Contains(host, ".") {
		return "", fmt.Errorf("domain must contain at least one dot: %s", host)
	}

	labels := strings.Split(host, ".")
	for i, label := range labels {
		if label == "*" {
			if i != 0 {
				return "", fmt.Errorf("wildcard is only allowed as the leftmost label: %s", host)
			}
			continue
		}
		if err := checkLabel(label); err != nil {
			return "", fmt.Errorf("%w in %s", err, host)
		}
	}

	return host, nil
}

func checkLabel(label string) error {
	if label == "" {
		return fmt.Errorf("empty label")
	}
	if len(label) > 63 {
		return fmt.Errorf("label %q exceeds 63 characters", label)
	}
	if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
		return fmt.Errorf("label %q must not start or end with '-'", label)
	}
	for _, r := range label {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("invalid character %q", r)
		}
	}
	return nil
}

// IsWildcard reports whether a normalized domain is a wildcard name
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// EffectiveApex 使用 PSL 计算 eTLD+1（注册域名/授权根）
//   - www.example.com -> example.com
//   - *.a.example.co.uk -> example.co.uk
func EffectiveApex(domain string) (string, error) {
	normalized, err := Normalize(domain)
	if err != nil {
		return "", fmt.Errorf("normalize failed for %s: %w", domain, err)
	}
	normalized = strings.TrimPrefix(normalized, "*.")

	apex, err := publicsuffix.EffectiveTLDPlusOne(normalized)
	if err != nil {
		return "", fmt.Errorf("PSL lookup failed for %s: %w", domain, err)
	}
	return apex, nil
}

// CheckIssuable normalizes domain and rejects names no public CA will issue
// for: bare public suffixes, and wildcards directly over one (*.co.uk).
func CheckIssuable(domain string) (string, error) {
	normalized, err := Normalize(domain)
	if err != nil {
		return "", err
	}
	if _, err := EffectiveApex(normalized); err != nil {
		return "", fmt.Errorf("domain is a public suffix: %s", normalized)
	}
	return normalized, nil
}
