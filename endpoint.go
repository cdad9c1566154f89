// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// endpointLine matches the exact wire format the ingest FIFO accepts:
// "ddd.ddd.ddd.ddd:ppppp", per spec §4.3. It intentionally allows 1-3 digit
// octets and a port of up to 5 digits without range-checking them; range
// checking happens in ParseEndpoint so that an out-of-range port is dropped
// the same way a malformed line is.
var endpointLine = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5}$`)

// Endpoint is an IPv4 address and TCP port pair under test. It is
// comparable and hashable, so it can be used directly as a map key in the
// queue and the registry's indexes.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

// String renders the endpoint as "ddd.ddd.ddd.ddd:ppppp".
func (e Endpoint) String() string {
	if !e.IP.IsValid() {
		return "---"
	}
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// ParseEndpoint parses a line already known to match endpointLine, or
// returns an error. Ports outside 1-65535 are rejected even though the
// regex alone would accept them.
func ParseEndpoint(line string) (Endpoint, error) {
	host, portStr, ok := strings.Cut(line, ":")
	if !ok {
		return Endpoint{}, fmt.Errorf("no ':' in %q", line)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return Endpoint{}, fmt.Errorf("bad IPv4 address %q", host)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("bad port %q", portStr)
	}

	return Endpoint{IP: addr, Port: uint16(port)}, nil
}

// AcceptLine reports whether line is a well-formed "ip:port" candidate per
// spec §4.3's regular expression. It does not itself range-check the port;
// ParseEndpoint(line) is expected to follow and may still reject it.
func AcceptLine(line string) bool {
	return endpointLine.MatchString(line)
}
