// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"testing"

	. "github.com/jacobsa/ogletest"
)

func TestEndpoint(t *testing.T) { RunTests(t) }

func init() { RegisterTestSuite(&EndpointTest{}) }

type EndpointTest struct {
}

func (t *EndpointTest) AcceptsWellFormedLines() {
	ExpectTrue(AcceptLine("10.0.0.1:8080"))
	ExpectTrue(AcceptLine("1.2.3.4:1"))
	ExpectTrue(AcceptLine("255.255.255.255:65535"))
}

func (t *EndpointTest) RejectsMalformedLines() {
	ExpectFalse(AcceptLine(""))
	ExpectFalse(AcceptLine("not-an-ip:80"))
	ExpectFalse(AcceptLine("10.0.0.1"))
	ExpectFalse(AcceptLine("10.0.0.1:80 "))
	ExpectFalse(AcceptLine("::1:80"))
}

func (t *EndpointTest) ParsesValidEndpoint() {
	e, err := ParseEndpoint("192.168.1.1:443")
	AssertEq(nil, err)
	ExpectEq("192.168.1.1", e.IP.String())
	ExpectEq(443, e.Port)
	ExpectEq("192.168.1.1:443", e.String())
}

func (t *EndpointTest) RejectsOutOfRangePort() {
	_, err := ParseEndpoint("192.168.1.1:70000")
	ExpectNe(nil, err)
}

func (t *EndpointTest) RejectsZeroPort() {
	_, err := ParseEndpoint("192.168.1.1:0")
	ExpectNe(nil, err)
}

func (t *EndpointTest) RejectsNonIPv4Host() {
	_, err := ParseEndpoint("not-an-ip:80")
	ExpectNe(nil, err)
}

func (t *EndpointTest) ZeroValueStringsAsPlaceholder() {
	var e Endpoint
	ExpectEq("---", e.String())
}
