package deploy

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// detectControllerIP runs `echo $SSH_CONNECTION` on the remote and returns
// its first field — the controller's IP as observed by the remote (spec
// §4.4 step 3). SSH_CONNECTION is "client_ip client_port server_ip
// server_port"; since the controller is the SSH client here, client_ip is
// exactly the address the agent should dial back to.
func detectControllerIP(client *ssh.Client) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("deploy: open session for source-ip detection: %w", err)
	}
	defer session.Close()

	out, err := session.Output("echo $SSH_CONNECTION")
	if err != nil {
		return "", fmt.Errorf("deploy: read SSH_CONNECTION: %w", err)
	}

	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("deploy: SSH_CONNECTION was empty")
	}

	ip := net.ParseIP(fields[0])
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("deploy: SSH_CONNECTION client address %q is not a valid IPv4 address", fields[0])
	}
	return ip.String(), nil
}

// fallbackControllerIP resolves the controller's address when remote
// detection fails, in the order spec §4.4 step 3 prescribes: the
// env-supplied controller IP, then the first non-loopback IPv4 interface on
// this host, then the loopback address as a last resort.
func fallbackControllerIP(envIP string) string {
	if envIP != "" {
		return envIP
	}
	if ip := firstNonLoopbackIPv4(); ip != "" {
		return ip
	}
	return "127.0.0.1"
}

func firstNonLoopbackIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
