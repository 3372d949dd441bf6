// internal/app/helpers.go
package app

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// NormalizeLocalAddr keeps an HTTP endpoint on localhost unless a concrete
// interface address is given, and returns the listen addr and browser URL.
func NormalizeLocalAddr(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(w io.Writer, peerDir, cfgPath, channel, localID, audio string) {
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Voice channel participant")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintf(w, " Channel     : %s\n", channel)
	fmt.Fprintf(w, " Identity    : %s\n", localID)
	fmt.Fprintf(w, " Audio       : %s\n", audio)
	fmt.Fprintln(w, "────────────────────────────────────────")
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
