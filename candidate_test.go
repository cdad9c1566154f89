// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"bufio"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"

	"github.com/jvolk/slitscan/internal/epoll"
	"github.com/jvolk/slitscan/internal/nonce"
)

func TestCandidate(t *testing.T) { RunTests(t) }

func init() { RegisterTestSuite(&CandidateTest{}) }

type CandidateTest struct {
	poller   *epoll.Poller
	listener net.Listener
	endpoint Endpoint
}

func (t *CandidateTest) SetUp(ti *TestInfo) {
	var err error
	t.poller, err = epoll.New()
	AssertEq(nil, err)

	t.listener, err = net.Listen("tcp4", "127.0.0.1:0")
	AssertEq(nil, err)

	addr := t.listener.Addr().(*net.TCPAddr)
	t.endpoint = Endpoint{IP: netip.MustParseAddr(addr.IP.String()), Port: uint16(addr.Port)}
}

func (t *CandidateTest) TearDown() {
	t.listener.Close()
	t.poller.Close()
}

// waitFor blocks until fd reports one of the given events or the test
// fails on timeout.
func (t *CandidateTest) waitFor(fd int, mask epoll.Mask, reason string) epoll.Event {
	AssertEq(nil, t.poller.Add(fd, mask))
	defer t.poller.Remove(fd)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := t.poller.Wait(100 * time.Millisecond)
		AssertEq(nil, err)
		for _, ev := range events {
			if ev.FD == fd {
				return ev
			}
		}
	}

	AssertTrue(false, "timed out waiting for %s", reason)
	return epoll.Event{}
}

func (t *CandidateTest) CompletesHandshakeThroughSentToken() {
	c, err := dialCandidate(t.endpoint, time.Now().Add(time.Minute))
	AssertEq(nil, err)
	defer c.closeFD()

	serverConn, err := t.listener.Accept()
	AssertEq(nil, err)
	defer serverConn.Close()

	// INITIATED -> ESTABLISHED -> SENT_CONNECT: send the CONNECT line.
	t.waitFor(c.fd, epoll.Out, "connect to complete")
	callback := netip.MustParseAddrPort("127.0.0.1:9")
	AssertEq(nil, c.handleWritable(callback))
	ExpectEq(StateSentConnect, c.State)

	reader := bufio.NewReader(serverConn)
	line, err := reader.ReadString('\n')
	AssertEq(nil, err)
	ExpectEq("CONNECT 127.0.0.1:9 HTTP/1.0\r\n", line)
	blank, err := reader.ReadString('\n')
	AssertEq(nil, err)
	ExpectEq("\r\n", blank)

	_, err = serverConn.Write([]byte("HTTP/1.0 200 Connection established\r\n"))
	AssertEq(nil, err)

	// SENT_CONNECT -> RECV_CODE -> SENT_TOKEN: the nonce is minted and sent.
	t.waitFor(c.fd, epoll.In, "HTTP status line")
	AssertEq(nil, c.handleReadable(func(c *Candidate) (string, error) {
		token, err := nonce.Mint(nil)
		c.Token = token
		return token, err
	}))
	ExpectEq(StateSentToken, c.State)
	ExpectEq(200, c.HTTPCode)
	ExpectEq(nonce.Length, len(c.Token))

	sentToken := make([]byte, nonce.Length)
	_, err = readFull(serverConn, sentToken)
	AssertEq(nil, err)
	ExpectEq(c.Token, string(sentToken))
}

func (t *CandidateTest) NonTwoHundredIsDiscord() {
	c, err := dialCandidate(t.endpoint, time.Now().Add(time.Minute))
	AssertEq(nil, err)
	defer c.closeFD()

	serverConn, err := t.listener.Accept()
	AssertEq(nil, err)
	defer serverConn.Close()

	t.waitFor(c.fd, epoll.Out, "connect to complete")
	AssertEq(nil, c.handleWritable(netip.MustParseAddrPort("127.0.0.1:9")))

	reader := bufio.NewReader(serverConn)
	_, err = reader.ReadString('\n')
	AssertEq(nil, err)
	_, err = reader.ReadString('\n')
	AssertEq(nil, err)

	_, err = serverConn.Write([]byte("HTTP/1.0 403 Forbidden\r\n"))
	AssertEq(nil, err)

	t.waitFor(c.fd, epoll.In, "HTTP status line")
	err = c.handleReadable(func(*Candidate) (string, error) { return nonce.Mint(nil) })

	var discord *Discord
	AssertTrue(errors.As(err, &discord))
	ExpectEq(403, c.HTTPCode)
}

func (t *CandidateTest) ExpiredReportsPastDeadline() {
	c := &Candidate{State: StateSentToken, deadline: time.Now().Add(-time.Second)}
	ExpectTrue(c.Expired(time.Now()))

	c.State = StateDiscovered
	ExpectFalse(c.Expired(time.Now()))
}

func (t *CandidateTest) IndexIPAlwaysPresent() {
	c := &Candidate{Endpoint: t.endpoint}
	ip, ok := c.IndexIP()
	ExpectTrue(ok)
	ExpectEq(t.endpoint.IP, ip)
}

func (t *CandidateTest) IndexTokenAbsentUntilMinted() {
	c := &Candidate{}
	_, ok := c.IndexToken()
	ExpectFalse(ok)

	c.Token = "abc"
	token, ok := c.IndexToken()
	ExpectTrue(ok)
	ExpectEq("abc", token)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
