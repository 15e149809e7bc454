package connector

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// dialThroughProxy opens a TCP connection to addr via the account's SOCKS proxy.
func dialThroughProxy(account Account, addr string, timeout time.Duration) (net.Conn, error) {
	switch strings.ToLower(strings.TrimSpace(account.ProxyType)) {
	case "socks5":
	case "socks4":
		return nil, errors.New("socks4 proxies are not supported, use socks5")
	default:
		return nil, fmt.Errorf("unknown proxy type %q", account.ProxyType)
	}
	if account.ProxyAddr == "" {
		return nil, errors.New("socks5 proxy address is empty")
	}
	dialer, err := proxy.SOCKS5("tcp", account.ProxyAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s via %s: %w", addr, account.ProxyAddr, err)
	}
	return conn, nil
}
