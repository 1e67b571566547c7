package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// GetServerName returns the server name of a SQL Server connection string in URL form
// (sqlserver://host:port?database=db) or ADO form (server=host,port;database=db).
func GetServerName(connectionString string) (string, error) {
	if strings.Contains(connectionString, "://") {
		return ExtractServerNameFromConnectionString(connectionString)
	}

	for _, part := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "server", "data source", "address", "addr":
			host := strings.TrimSpace(value)
			host = strings.TrimPrefix(host, "tcp:")
			if idx := strings.IndexAny(host, ",\\"); idx != -1 {
				host = host[:idx]
			}
			return normalizeHost(host)
		}
	}
	return "", fmt.Errorf("server name not found in connection string")
}

// ExtractServerNameFromConnectionString extracts the server name from a connection string.
// It handles special cases like localhost and IP addresses by using the machine's hostname.
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}
	return normalizeHost(u.Hostname())
}

func normalizeHost(host string) (string, error) {
	if host == "" || host == "." || strings.EqualFold(host, "(local)") {
		host = "localhost"
	}
	if strings.EqualFold(host, "localhost") || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}

	serverName := strings.Split(host, ".")[0]
	if serverName == "" {
		return "", fmt.Errorf("server name not found in connection string")
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
	if _, err := strconv.Atoi(host); err == nil {
		// It's a number, check if it's in valid IP octet range (0-255)
		if num, _ := strconv.Atoi(host); num >= 0 && num <= 255 {
			return true
		}
	}

	// Check if it has dots but isn't a full IP (e.g. '127.0')
	if strings.Contains(host, ".") {
		parts := strings.Split(host, ".")
		if len(parts) < 4 {
			// Check if all parts are valid IP octets
			valid := true
			for _, part := range parts {
				if part == "" {
					valid = false
					break
				}
				num, err := strconv.Atoi(part)
				if err != nil || num < 0 || num > 255 {
					valid = false
					break
				}
			}
			if valid {
				return true
			}
		}
	}

	return false
}
