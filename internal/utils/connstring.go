package utils

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ExtractServerName reduces a database host to a short server name.
// It handles special cases like localhost and IP addresses by using the machine's hostname.
func ExtractServerName(host string) (string, error) {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "", fmt.Errorf("server name not found in host %q", host)
	}

	// If the server is localhost or an IP address, use the machine's hostname
	serverName := host
	if strings.ToLower(host) == "localhost" || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		serverName = hostname
	}

	serverName = strings.Split(serverName, ".")[0]
	if serverName == "" {
		return "", fmt.Errorf("server name not found in host %q", host)
	}
	return strings.ToLower(serverName), nil
}

// isIPAddress checks if a string is an IP address or part of one (like '127')
func isIPAddress(host string) bool {
	// Check if it's a full IP address
	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	// Check if it's a partial IP (e.g. '127' from '127.0.0.1')
	if num, err := strconv.Atoi(host); err == nil {
		return num >= 0 && num <= 255
	}

	// Check if it has dots but isn't a full IP (e.g. '127.0')
	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) < 4 {
			for _, part := range parts {
				num, err := strconv.Atoi(part)
				if part == "" || err != nil || num < 0 || num > 255 {
					return false
				}
			}
			return true
		}
	}

	return false
}
